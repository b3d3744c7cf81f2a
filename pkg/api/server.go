package api

import (
	"net/http"

	"github.com/wobcom/vicky/pkg/auth"
	"github.com/wobcom/vicky/pkg/events"
	"github.com/wobcom/vicky/pkg/logdrain"
	"github.com/wobcom/vicky/pkg/metrics"
	"github.com/wobcom/vicky/pkg/objectstore"
	"github.com/wobcom/vicky/pkg/scheduler"
	"github.com/wobcom/vicky/pkg/storage"
)

// Server bundles the dependencies every handler needs and exposes the
// assembled http.Handler for the task/lock/template routes plus the
// health/ready/live/metrics endpoints.
//
// A single handler struct is built from injected dependency handles
// (never package globals), wired once at startup by the binary's main
// function.
type Server struct {
	store     storage.Store
	objects   objectstore.Store
	logs      *logdrain.Drain
	scheduler *scheduler.Scheduler
	broker    *events.Broker
	verifier  *auth.Verifier
}

// NewServer builds a Server from its dependencies.
func NewServer(store storage.Store, objects objectstore.Store, logs *logdrain.Drain, sched *scheduler.Scheduler, broker *events.Broker, verifier *auth.Verifier) *Server {
	return &Server{
		store:     store,
		objects:   objects,
		logs:      logs,
		scheduler: sched,
		broker:    broker,
		verifier:  verifier,
	}
}

// Handler assembles the full route table behind the auth middleware,
// with /health, /ready, /live, and /metrics left unauthenticated so
// orchestrators and scrapers never need a bearer token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/tasks", route("tasks.list", s.handleListTasks))
	api.HandleFunc("GET /api/v1/tasks/{id}", route("tasks.get", s.handleGetTask))
	api.HandleFunc("POST /api/v1/tasks", route("tasks.add", s.handleAddTask))
	api.HandleFunc("POST /api/v1/tasks/claim", route("tasks.claim", s.handleClaimTask))
	api.HandleFunc("POST /api/v1/tasks/{id}/finish", route("tasks.finish", s.handleFinishTask))
	api.HandleFunc("POST /api/v1/tasks/{id}/confirm", route("tasks.confirm", s.handleConfirmTask))
	api.HandleFunc("GET /api/v1/tasks/{id}/logs", route("tasks.logs.stream", s.handleStreamLogs))
	api.HandleFunc("GET /api/v1/tasks/{id}/logs/download", route("tasks.logs.download", s.handleDownloadLogs))
	api.HandleFunc("POST /api/v1/tasks/{id}/logs", route("tasks.logs.push", s.handlePushLogs))

	api.HandleFunc("GET /api/v1/task-templates", route("templates.list", s.handleListTemplates))
	api.HandleFunc("POST /api/v1/task-templates", route("templates.add", s.handleAddTemplate))
	api.HandleFunc("POST /api/v1/task-templates/{id}/instantiate", route("templates.instantiate", s.handleInstantiateTemplate))

	api.HandleFunc("GET /api/v1/locks/active", route("locks.active", s.handleActiveLocks))
	api.HandleFunc("GET /api/v1/locks/poisoned", route("locks.poisoned", s.handlePoisonedLocks))
	api.HandleFunc("GET /api/v1/locks/poisoned_detailed", route("locks.poisoned_detailed", s.handlePoisonedLocksDetailed))
	api.HandleFunc("PATCH /api/v1/locks/unlock/{lock_id}", route("locks.unlock", s.handleUnlockLock))

	api.HandleFunc("GET /api/v1/events", route("events.stream", s.handleGlobalEvents))

	mux.Handle("/api/v1/", authMiddleware(s.verifier, api))
	return mux
}
