// Package metrics exposes Prometheus collectors for the translation service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsSubmittedTotal         *prometheus.CounterVec
	jobsCompletedTotal         *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	queueDepth                 *prometheus.GaugeVec
	activeWorkers              *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	wsClients                  prometheus.Gauge
	browserSessions            prometheus.Gauge
	resultsHeld                prometheus.Gauge
	resultsEvictedTotal        prometheus.Counter
	imagesDroppedTotal         prometheus.Counter
	cookieRefreshTotal         *prometheus.CounterVec
	upstreamRequestsTotal      *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lenslate_jobs_submitted_total",
				Help: "Total number of translation jobs accepted, labeled by mode and transport.",
			},
			[]string{"mode", "transport"},
		)

		jobsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lenslate_jobs_completed_total",
				Help: "Total number of translation jobs finished, labeled by mode and status.",
			},
			[]string{"mode", "status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lenslate_job_duration_seconds",
				Help:    "Histogram of end-to-end job durations, labeled by mode.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"mode"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lenslate_queue_depth",
				Help: "Number of jobs waiting in the queue, labeled by mode.",
			},
			[]string{"mode"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lenslate_active_workers",
				Help: "Number of workers currently processing a job, labeled by mode.",
			},
			[]string{"mode"},
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

		wsClients = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lenslate_ws_clients",
				Help: "Number of connected WebSocket clients.",
			},
		)

		browserSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lenslate_browser_sessions",
				Help: "Number of live headless browser sessions.",
			},
		)

		resultsHeld = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lenslate_results_held",
				Help: "Number of job results currently retained in memory.",
			},
		)

		resultsEvictedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lenslate_results_evicted_total",
				Help: "Total number of job results evicted after their TTL expired.",
			},
		)

		imagesDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lenslate_images_dropped_total",
				Help: "Total number of rendered images dropped from payloads for exceeding the size cap.",
			},
		)

		cookieRefreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lenslate_cookie_refresh_total",
				Help: "Total cookie refresh attempts, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lenslate_upstream_requests_total",
				Help: "Total requests to the upstream lens endpoints, labeled by endpoint and code.",
			},
			[]string{"endpoint", "code"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lenslate_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by host.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveJobSubmitted increments the submission counter.
func ObserveJobSubmitted(mode, transport string) {
	jobsSubmittedTotal.WithLabelValues(mode, transport).Inc()
}

// ObserveJobCompleted records a finished job and its duration.
func ObserveJobCompleted(mode, status string, duration time.Duration) {
	jobsCompletedTotal.WithLabelValues(mode, status).Inc()
	jobDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetQueueDepth records the number of queued jobs for a mode.
func SetQueueDepth(mode string, depth int) {
	queueDepth.WithLabelValues(mode).Set(float64(depth))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge for a mode.
func IncActiveWorkers(mode string) {
	activeWorkers.WithLabelValues(mode).Inc()
}

// DecActiveWorkers decrements the active workers gauge for a mode.
func DecActiveWorkers(mode string) {
	activeWorkers.WithLabelValues(mode).Dec()
}

// IncWSClients increments the connected WebSocket clients gauge.
func IncWSClients() {
	wsClients.Inc()
}

// DecWSClients decrements the connected WebSocket clients gauge.
func DecWSClients() {
	wsClients.Dec()
}

// IncBrowserSessions increments the live browser sessions gauge.
func IncBrowserSessions() {
	browserSessions.Inc()
}

// DecBrowserSessions decrements the live browser sessions gauge.
func DecBrowserSessions() {
	browserSessions.Dec()
}

// SetResultsHeld records the number of results retained in memory.
func SetResultsHeld(n int) {
	resultsHeld.Set(float64(n))
}

// ObserveEvictions adds to the eviction counter.
func ObserveEvictions(n int) {
	if n > 0 {
		resultsEvictedTotal.Add(float64(n))
	}
}

// ObserveImageDropped increments the oversize image drop counter.
func ObserveImageDropped() {
	imagesDroppedTotal.Inc()
}

// ObserveCookieRefresh records a cookie refresh attempt.
func ObserveCookieRefresh(source, outcome string) {
	cookieRefreshTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveUpstreamRequest records a request to an upstream lens endpoint.
func ObserveUpstreamRequest(endpoint string, code int) {
	upstreamRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	if host == "" {
		host = "unknown"
	}
	rateLimitDelaysSeconds.WithLabelValues(strings.ToLower(host)).Observe(duration.Seconds())
}
