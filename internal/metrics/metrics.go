// Package metrics exposes Prometheus collectors for the capture service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	capturesTotal              *prometheus.CounterVec
	cacheHitsTotal             prometheus.Counter
	dedupHitsTotal             prometheus.Counter
	strategyAttemptsTotal      *prometheus.CounterVec
	strategyDurationSeconds    *prometheus.HistogramVec
	browserContextsOpen        prometheus.Gauge
	activeJobs                 prometheus.Gauge
	navigationDelaySeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streetview_captures_total",
				Help: "Total number of capture jobs finished, labeled by outcome and method.",
			},
			[]string{"outcome", "method"},
		)

		cacheHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "streetview_cache_hits_total",
				Help: "Triggers answered from the content store without launching a capture.",
			},
		)

		dedupHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "streetview_dedup_hits_total",
				Help: "Triggers rejected because the target was already processing.",
			},
		)

		strategyAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streetview_strategy_attempts_total",
				Help: "Strategy attempts, labeled by strategy and result.",
			},
			[]string{"strategy", "result"},
		)

		strategyDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streetview_strategy_duration_seconds",
				Help:    "Histogram of strategy attempt durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
			},
			[]string{"strategy"},
		)

		browserContextsOpen = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "streetview_browser_contexts_open",
				Help: "Number of isolated browsing contexts currently open.",
			},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "streetview_active_jobs",
				Help: "Number of capture jobs currently executing.",
			},
		)

		navigationDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streetview_navigation_delay_seconds",
				Help:    "Histogram of navigation pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCapture counts a finished capture job.
func ObserveCapture(outcome, method string) {
	Init()
	if method == "" {
		method = "none"
	}
	capturesTotal.WithLabelValues(outcome, method).Inc()
}

// ObserveCacheHit counts a trigger served from the content store.
func ObserveCacheHit() {
	Init()
	cacheHitsTotal.Inc()
}

// ObserveDedupHit counts a trigger rejected by the registry.
func ObserveDedupHit() {
	Init()
	dedupHitsTotal.Inc()
}

// ObserveStrategy records one strategy attempt.
func ObserveStrategy(strategy, result string, duration time.Duration) {
	Init()
	strategyAttemptsTotal.WithLabelValues(strategy, result).Inc()
	strategyDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// IncBrowserContexts increments the open browsing context gauge.
func IncBrowserContexts() {
	Init()
	browserContextsOpen.Inc()
}

// DecBrowserContexts decrements the open browsing context gauge.
func DecBrowserContexts() {
	Init()
	browserContextsOpen.Dec()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveNavigationDelay records the duration of a pacing wait.
func ObserveNavigationDelay(host string, duration time.Duration) {
	Init()
	navigationDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
