package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task lifecycle metrics
	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vicky_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TaskClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vicky_task_claims_total",
			Help: "Total number of tasks successfully claimed by a worker",
		},
	)

	TaskClaimDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vicky_task_claim_denials_total",
			Help: "Total number of claim attempts that found no ready task, by denial reason",
		},
		[]string{"reason"},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vicky_tasks_finished_total",
			Help: "Total number of tasks finished, by result",
		},
		[]string{"result"},
	)

	TasksActiveGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vicky_tasks_active",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)

	// Lock metrics
	PoisonedLocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vicky_poisoned_locks_total",
			Help: "Total number of locks poisoned by a failed task",
		},
	)

	LocksUnlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vicky_locks_unlocked_total",
			Help: "Total number of manual lock unlock operations",
		},
	)

	// Log drain metrics
	LogLinesIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vicky_log_lines_ingested_total",
			Help: "Total number of log lines received from workers",
		},
	)

	LogBatchesFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vicky_log_batches_flushed_total",
			Help: "Total number of pending log batches flushed to the object store",
		},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vicky_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vicky_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Scheduling latency
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vicky_scheduling_latency_seconds",
			Help:    "Time taken to evaluate and claim a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker metrics
	WorkerClaimAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vicky_worker_claim_attempts_total",
			Help: "Total number of claim attempts made by this worker",
		},
	)

	WorkerTasksRunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vicky_worker_tasks_run_total",
			Help: "Total number of tasks this worker has run, by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksSubmittedTotal,
		TaskClaimsTotal,
		TaskClaimDenialsTotal,
		TasksFinishedTotal,
		TasksActiveGauge,
		PoisonedLocksTotal,
		LocksUnlockedTotal,
		LogLinesIngestedTotal,
		LogBatchesFlushedTotal,
		APIRequestsTotal,
		APIRequestDuration,
		SchedulingLatency,
		WorkerClaimAttemptsTotal,
		WorkerTasksRunTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
