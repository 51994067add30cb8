package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_created_total", Help: "Jobs accepted by the job manager",
	}, []string{"type"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Wall time spent by a worker on one job",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"type", "success"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total", Help: "Jobs that finished successfully",
	}, []string{"type"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total", Help: "Jobs that ended in failure",
	}, []string{"type"})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total", Help: "Jobs cancelled by their owner",
	})
	StaleResults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_stale_results_total", Help: "Completions discarded because the job left processing",
	})
	DispatcherTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatcher_tick_duration_seconds",
		Help:    "Duration of one dispatcher tick",
		Buckets: prometheus.DefBuckets,
	})
	DispatcherPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_pending_jobs", Help: "Pending jobs selected by the last tick",
	})
	HandoffSubmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_submit_total", Help: "Triggers submitted to a worker transport",
	}, []string{"backend", "result"})
	HandoffQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "handoff_queue_depth", Help: "Triggers waiting in the handoff transport",
	})
	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiter",
	})
)

// Register installs every collector on the default registry. Safe to call
// more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobProcessingDuration,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			StaleResults,
			DispatcherTickDuration,
			DispatcherPending,
			HandoffSubmits,
			HandoffQueueDepth,
			APIRequestDuration,
			RateLimitRejects,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// ObserveStale records a handler run whose result was discarded because the
// job had already left processing. It is not counted as completed or failed.
func ObserveStale(jobType string, elapsed time.Duration) {
	JobProcessingDuration.WithLabelValues(jobType, "stale").Observe(elapsed.Seconds())
	StaleResults.Inc()
}

// ObserveJob records one worker outcome.
func ObserveJob(jobType string, success bool, elapsed time.Duration) {
	JobProcessingDuration.WithLabelValues(jobType, strconv.FormatBool(success)).Observe(elapsed.Seconds())
	if success {
		JobsCompleted.WithLabelValues(jobType).Inc()
	} else {
		JobsFailed.WithLabelValues(jobType).Inc()
	}
}

// ObserveHandoff counts one Submit call for backend.
func ObserveHandoff(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	HandoffSubmits.WithLabelValues(backend, result).Inc()
}
