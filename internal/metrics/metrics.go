// Package metrics exposes Prometheus collectors for the scheduler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queueDepth                 *prometheus.GaugeVec
	admissionOutcomesTotal     *prometheus.CounterVec
	dispatchFailuresTotal      *prometheus.CounterVec
	sweepRunsTotal             *prometheus.CounterVec
	callbacksTotal             *prometheus.CounterVec
	housekeepingRemovalsTotal  *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	httpRateLimitedTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scheduler_queue_depth",
				Help: "Number of deferred requests waiting per spider.",
			},
			[]string{"spider"},
		)

		admissionOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_admission_outcomes_total",
				Help: "Admission decisions, labeled by spider and outcome.",
			},
			[]string{"spider", "outcome"},
		)

		dispatchFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_dispatch_failures_total",
				Help: "Failed submits to the execution backend, labeled by spider.",
			},
			[]string{"spider"},
		)

		sweepRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_sweep_runs_total",
				Help: "Periodic drain attempts, labeled by spider and result.",
			},
			[]string{"spider", "result"},
		)

		callbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_completion_callbacks_total",
				Help: "Completion callbacks received, labeled by spider.",
			},
			[]string{"spider"},
		)

		housekeepingRemovalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_housekeeping_removed_jobdirs_total",
				Help: "Job directories removed by retention pruning.",
			},
			[]string{"spider"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		httpRateLimitedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_rate_limited_total",
				Help: "Requests rejected by the per-client rate limiter, labeled by route.",
			},
			[]string{"route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetQueueDepth records the current queue length for spider.
func SetQueueDepth(spider string, depth int) {
	Init()
	queueDepth.WithLabelValues(spider).Set(float64(depth))
}

// ObserveAdmission counts one admission outcome.
func ObserveAdmission(spider, outcome string) {
	Init()
	admissionOutcomesTotal.WithLabelValues(spider, outcome).Inc()
}

// ObserveDispatchFailure counts a rejected or failed submit.
func ObserveDispatchFailure(spider string) {
	Init()
	dispatchFailuresTotal.WithLabelValues(spider).Inc()
}

// ObserveSweep counts one periodic drain attempt.
func ObserveSweep(spider, result string) {
	Init()
	sweepRunsTotal.WithLabelValues(spider, result).Inc()
}

// ObserveCallback counts one completion callback.
func ObserveCallback(spider string) {
	Init()
	callbacksTotal.WithLabelValues(spider).Inc()
}

// ObserveHousekeepingRemovals adds n removed job directories.
func ObserveHousekeepingRemovals(spider string, n int) {
	if n <= 0 {
		return
	}
	Init()
	housekeepingRemovalsTotal.WithLabelValues(spider).Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimited counts a request rejected by the rate limiter.
func ObserveRateLimited(route string) {
	Init()
	httpRateLimitedTotal.WithLabelValues(route).Inc()
}
