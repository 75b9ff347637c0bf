// Package metrics exposes Prometheus collectors for the analysis service.
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

// Outcome labels recorded by ObserveOutcome.
const (
	OutcomeCompleted = "completed"
	OutcomeRequeued  = "requeued"
	OutcomeFailed    = "failed"
)

var (
	jobsTotal                  *prometheus.CounterVec
	jobErrorsTotal             *prometheus.CounterVec
	analysisDurationSeconds    prometheus.Histogram
	overallScore               prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	queueJobs                  *prometheus.GaugeVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitelens_jobs_total",
				Help: "Analysis attempts finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitelens_job_errors_total",
				Help: "Failed analysis attempts, labeled by error kind.",
			},
			[]string{"kind"},
		)

		analysisDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sitelens_analysis_duration_seconds",
				Help:    "End-to-end duration of successful analyses.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		)

		overallScore = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sitelens_overall_score",
				Help:    "Distribution of overall design scores.",
				Buckets: prometheus.LinearBuckets(10, 10, 10),
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitelens_http_requests_total",
				Help: "HTTP requests served, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitelens_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		queueJobs = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sitelens_queue_jobs",
				Help: "Jobs in the queue, labeled by state.",
			},
			[]string{"state"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCompleted records one successful analysis.
func ObserveCompleted(score int, elapsed time.Duration) {
	jobsTotal.WithLabelValues(OutcomeCompleted).Inc()
	overallScore.Observe(float64(score))
	analysisDurationSeconds.Observe(elapsed.Seconds())
}

// ObserveFailed records one failed attempt. terminal distinguishes a job
// that is out of retries from one going back to the queue.
func ObserveFailed(kind string, terminal bool) {
	outcome := OutcomeRequeued
	if terminal {
		outcome = OutcomeFailed
	}
	jobsTotal.WithLabelValues(outcome).Inc()
	if kind == "" {
		kind = "unknown"
	}
	jobErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueStats replaces the per-state queue depth gauges.
func SetQueueStats(queued, active, completed, failed, delayed int) {
	queueJobs.WithLabelValues("queued").Set(float64(queued))
	queueJobs.WithLabelValues("active").Set(float64(active))
	queueJobs.WithLabelValues("completed").Set(float64(completed))
	queueJobs.WithLabelValues("failed").Set(float64(failed))
	queueJobs.WithLabelValues("delayed").Set(float64(delayed))
}
