// Package metrics declares the process's Prometheus instruments and the
// HTTP server that exposes them, covering the job runner, the cycled
// orchestrator, the cached HTTP client, and the maintenance sweeps.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job runner.

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scanner",
		Subsystem: "jobrunner",
		Name:      "job_duration_seconds",
		Help:      "Duration of one job invocation, by outcome.",
		Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200, 21600},
	}, []string{"name", "outcome"})

	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "jobrunner",
		Name:      "jobs_total",
		Help:      "Total job firings, by name and outcome.",
	}, []string{"name", "outcome"})

	StuckJobsRescuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "jobrunner",
		Name:      "stuck_jobs_rescued_total",
		Help:      "Stuck running records marked failed, by rescue path.",
	}, []string{"path"}) // "tick" or "emergency"

	// Cycled orchestrator.

	OrchestratorCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "orchestrator",
		Name:      "cycles_total",
		Help:      "Completed workflow cycles, by workflow name.",
	}, []string{"workflow"})

	OrchestratorState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scanner",
		Subsystem: "orchestrator",
		Name:      "state",
		Help:      "1 if the workflow is currently in the labeled state, else 0.",
	}, []string{"workflow", "state"})

	OrchestratorPausesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "orchestrator",
		Name:      "pauses_total",
		Help:      "Transitions into the paused state, by workflow name.",
	}, []string{"workflow"})

	// Cached HTTP client.

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "httpclient",
		Name:      "requests_total",
		Help:      "Vendor HTTP requests, by method and outcome.",
	}, []string{"method", "outcome"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scanner",
		Subsystem: "httpclient",
		Name:      "request_duration_seconds",
		Help:      "Vendor HTTP round-trip latency.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "httpclient",
		Name:      "cache_hits_total",
		Help:      "GETs resolved from cache, by tier.",
	}, []string{"tier"}) // "memory" or "persistent"

	CacheDeduplicatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "httpclient",
		Name:      "deduplicated_total",
		Help:      "In-flight GETs served from an existing request's pending result.",
	})

	RetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "httpclient",
		Name:      "retries_total",
		Help:      "Retried vendor requests.",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scanner",
		Subsystem: "httpclient",
		Name:      "queue_depth",
		Help:      "Tasks currently waiting in the priority queue.",
	})

	// Maintenance.

	CacheEntriesEvictedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "maintenance",
		Name:      "cache_entries_evicted_total",
		Help:      "Cache entries deleted by a sweep, by reason.",
	}, []string{"reason"}) // "expired", "ceiling", "size", "orphan"

	JobRecordsEvictedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "maintenance",
		Name:      "job_records_evicted_total",
		Help:      "Job history records deleted by a sweep, by reason.",
	}, []string{"reason"}) // "retention", "total_ceiling"

	// Index manager.

	IndexesCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "indexmgr",
		Name:      "indexes_created_total",
		Help:      "Indexes created at startup or maintenance, by collection.",
	}, []string{"collection"})

	IndexCreationFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Subsystem: "indexmgr",
		Name:      "index_creation_failures_total",
		Help:      "Non-retryable index creation failures, by collection.",
	}, []string{"collection"})
)

// Register registers every instrument against the default registry. Call
// once at process start, before NewServer serves /metrics.
func Register() {
	prometheus.MustRegister(
		JobDuration,
		JobsTotal,
		StuckJobsRescuedTotal,
		OrchestratorCyclesTotal,
		OrchestratorState,
		OrchestratorPausesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CacheHitsTotal,
		CacheDeduplicatedTotal,
		RetriesTotal,
		QueueDepth,
		CacheEntriesEvictedTotal,
		JobRecordsEvictedTotal,
		IndexesCreatedTotal,
		IndexCreationFailuresTotal,
	)
}

// NewServer builds the /metrics HTTP server. When health is non-nil it is
// mounted at /healthz and /readyz on the same listener.
func NewServer(addr string, health http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if health != nil {
		mux.Handle("/healthz", health)
		mux.Handle("/readyz", health)
	}
	return &http.Server{Addr: addr, Handler: mux}
}
