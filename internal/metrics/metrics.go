// Package metrics exposes Prometheus collectors for the newsletter service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	searchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_search_requests_total",
			Help: "Total number of news-search API calls, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	searchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_search_retries_total",
			Help: "Total number of news-search retry attempts.",
		},
	)

	articlesCollectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_articles_collected_total",
			Help: "Total number of articles accepted into a digest, labeled by category.",
		},
		[]string{"category"},
	)

	duplicatesFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_duplicates_filtered_total",
			Help: "Total number of articles dropped by deduplication, labeled by reason.",
		},
		[]string{"reason"},
	)

	emailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_emails_total",
			Help: "Total number of delivery outcomes, labeled by result.",
		},
		[]string{"outcome"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_runs_total",
			Help: "Total number of pipeline runs, labeled by terminal status.",
		},
		[]string{"status"},
	)

	runDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "newsletter_run_duration_seconds",
			Help:    "Histogram of end-to-end run durations.",
			Buckets: []float64{1, 5, 10, 20, 30, 45, 60},
		},
	)

	rateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsletter_rate_limit_wait_seconds",
			Help:    "Histogram of provider rate-limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
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

// ObserveSearchRequest counts one search API call by outcome.
func ObserveSearchRequest(outcome string) {
	searchRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSearchRetry counts one search retry attempt.
func ObserveSearchRetry() {
	searchRetriesTotal.Inc()
}

// ObserveArticleAccepted counts an article folded into the digest.
func ObserveArticleAccepted(category string) {
	articlesCollectedTotal.WithLabelValues(category).Inc()
}

// ObserveDuplicateFiltered counts a dropped duplicate by reason.
func ObserveDuplicateFiltered(reason string) {
	duplicatesFilteredTotal.WithLabelValues(reason).Inc()
}

// ObserveEmail counts one delivery outcome.
func ObserveEmail(outcome string) {
	emailsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRun records the terminal status and duration of a run.
func ObserveRun(status string, duration time.Duration) {
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitWait records the duration of a provider rate-limit wait.
func ObserveRateLimitWait(provider string, duration time.Duration) {
	rateLimitWaitSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
