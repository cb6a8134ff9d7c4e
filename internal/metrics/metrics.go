// Package metrics exposes Prometheus collectors for the scrape service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcome labels.
const (
	RunSucceeded   = "succeeded"
	RunFetchFailed = "fetch_failed"
	RunStoreFailed = "store_failed"
	RunLocked      = "locked"
	RunFailed      = "failed"
)

var (
	scrapeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_runs_total",
			Help: "Total number of pipeline runs, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	scrapeRunDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scrape_run_duration_seconds",
			Help:    "Histogram of pipeline run latencies.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	articlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_articles_total",
			Help: "Articles seen by the pipeline, labeled by stage.",
		},
		[]string{"stage"},
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
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun records the outcome and latency of one pipeline run.
func ObserveRun(outcome string, duration time.Duration) {
	scrapeRunsTotal.WithLabelValues(outcome).Inc()
	scrapeRunDurationSeconds.Observe(duration.Seconds())
}

// ObserveArticles adds per-stage article counts for one run.
func ObserveArticles(extracted, duplicateInBatch, duplicateInStore, inserted int) {
	articlesTotal.WithLabelValues("extracted").Add(float64(extracted))
	articlesTotal.WithLabelValues("duplicate_batch").Add(float64(duplicateInBatch))
	articlesTotal.WithLabelValues("duplicate_store").Add(float64(duplicateInStore))
	articlesTotal.WithLabelValues("inserted").Add(float64(inserted))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
