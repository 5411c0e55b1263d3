// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs accepted by the client intake",
	}, []string{"kind"})
	JobsDequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_dequeued_total",
		Help: "Total number of jobs pulled off the queue by workers",
	}, []string{"kind"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that reached status=completed",
	}, []string{"kind"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached status=failed",
	}, []string{"kind", "error_kind"})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of jobs cancelled by a client",
	})
	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_execution_duration_seconds",
		Help:    "Histogram of end-to-end execution-driver durations",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of a queue partition",
	}, []string{"kind", "class"})
	NodeCircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, per node",
	}, []string{"node_id"})
	NodeCircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "node_circuit_breaker_trips_total",
		Help: "Count of times a node's circuit breaker transitioned to Open",
	}, []string{"node_id"})
	NodeCurrentLoad = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_current_load",
		Help: "Current number of jobs assigned to a node",
	}, []string{"node_id"})
	NodeStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_status",
		Help: "0 offline, 1 online, 2 busy, 3 error, 4 maintenance",
	}, []string{"node_id"})
	NodeFailoverEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "node_failover_events_total",
		Help: "Total number of online to offline node transitions",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of jobs recovered by the reaper after a worker or node failure",
	})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines, per job kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsDequeued, JobsCompleted, JobsFailed, JobsCancelled,
		JobExecutionDuration, QueueLength, NodeCircuitBreakerState,
		NodeCircuitBreakerTrips, NodeCurrentLoad, NodeStatus,
		NodeFailoverEvents, ReaperRecovered, WorkerActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; StartHTTPServer also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
