// Package metrics defines the Prometheus instrumentation for the control
// plane and workers. Collectors register against a caller-supplied registry
// so tests can use isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Worker holds the worker-side collectors.
type Worker struct {
	ClaimsTotal   *prometheus.CounterVec
	RunOutcomes   *prometheus.CounterVec
	EnvOutcomes   *prometheus.CounterVec
	ExpiredLeases *prometheus.CounterVec
	GCDeleted     *prometheus.CounterVec
	GCFailed      *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	JobDuration   *prometheus.HistogramVec
}

// NewWorker creates and registers the worker collectors.
func NewWorker(reg prometheus.Registerer) *Worker {
	w := &Worker{
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ade", Subsystem: "worker", Name: "claims_total",
			Help: "Queue rows claimed, by queue.",
		}, []string{"queue"}),
		RunOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ade", Subsystem: "worker", Name: "run_outcomes_total",
			Help: "Terminal and retried run outcomes.",
		}, []string{"outcome"}),
		EnvOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ade", Subsystem: "worker", Name: "environment_outcomes_total",
			Help: "Environment build outcomes.",
		}, []string{"outcome"}),
		ExpiredLeases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ade", Subsystem: "worker", Name: "expired_leases_total",
			Help: "Leases expired by the periodic cleanup, by queue.",
		}, []string{"queue"}),
		GCDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ade", Subsystem: "gc", Name: "deleted_total",
			Help: "Objects removed by garbage collection, by pass.",
		}, []string{"pass"}),
		GCFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ade", Subsystem: "gc", Name: "failed_total",
			Help: "Garbage collection deletions that failed, by pass.",
		}, []string{"pass"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ade", Subsystem: "queue", Name: "depth",
			Help: "Queue rows by queue and status.",
		}, []string{"queue", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ade", Subsystem: "worker", Name: "job_duration_seconds",
			Help:    "Wall time of claimed jobs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"queue"}),
	}
	reg.MustRegister(w.ClaimsTotal, w.RunOutcomes, w.EnvOutcomes, w.ExpiredLeases,
		w.GCDeleted, w.GCFailed, w.QueueDepth, w.JobDuration)
	return w
}

// API holds the HTTP-side collectors.
type API struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewAPI creates and registers the API collectors.
func NewAPI(reg prometheus.Registerer) *API {
	a := &API{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ade", Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ade", Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(a.Requests, a.Duration)
	return a
}
