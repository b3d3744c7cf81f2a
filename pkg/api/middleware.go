package api

import (
	"context"
	"net/http"

	"github.com/wobcom/vicky/pkg/apperr"
	"github.com/wobcom/vicky/pkg/auth"
	"github.com/wobcom/vicky/pkg/log"
	"github.com/wobcom/vicky/pkg/metrics"
	"github.com/wobcom/vicky/pkg/types"
)

type ctxKey int

const userCtxKey ctxKey = iota

// authMiddleware verifies the bearer token on every request and attaches
// the resolved user to the request context. Every route requires a
// token; there is no anonymous route.
func authMiddleware(verifier *auth.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, apperr.New(apperr.KindUnauthenticated, "missing bearer token"))
			return
		}

		user, err := verifier.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userCtxKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) *types.User {
	user, _ := ctx.Value(userCtxKey).(*types.User)
	return user
}

// requireMachine returns the calling user if it holds the machine role,
// otherwise it writes a 403 and returns ok=false.
func requireMachine(w http.ResponseWriter, r *http.Request) (*types.User, bool) {
	user := userFromContext(r.Context())
	if user == nil || user.Role != types.RoleMachine {
		writeError(w, apperr.New(apperr.KindForbidden, "this route requires the machine role"))
		return nil, false
	}
	return user, true
}

// requireAdmin returns the calling user if it holds the admin role,
// otherwise it writes a 403 and returns ok=false.
func requireAdmin(w http.ResponseWriter, r *http.Request) (*types.User, bool) {
	user := userFromContext(r.Context())
	if user == nil || user.Role != types.RoleAdmin {
		writeError(w, apperr.New(apperr.KindForbidden, "this route requires the admin role"))
		return nil, false
	}
	return user, true
}

// requireAnyRole returns the calling user as long as authMiddleware
// already resolved one, admin or machine alike, for routes that only
// need to know the caller was authenticated, not which role they hold.
func requireAnyRole(w http.ResponseWriter, r *http.Request) (*types.User, bool) {
	user := userFromContext(r.Context())
	if user == nil {
		writeError(w, apperr.New(apperr.KindUnauthenticated, "no authenticated user on request"))
		return nil, false
	}
	return user, true
}

// route wraps h with request logging and Prometheus request metrics,
// labeled by name, as a single per-handler decorator rather than a
// shared middleware chain.
func route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		h(sw, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, name)
		metrics.APIRequestsTotal.WithLabelValues(name, http.StatusText(sw.status)).Inc()

		logger := log.WithComponent("api")
		if user := userFromContext(r.Context()); user != nil {
			logger = log.WithUser(user.Sub.String())
		}
		logger.Debug().
			Str("route", name).
			Str("method", r.Method).
			Int("status", sw.status).
			Dur("duration", timer.Duration()).
			Msg("handled request")
	}
}

// statusWriter captures the status code written through it so route can
// record it in metrics and logs after the handler returns.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}
