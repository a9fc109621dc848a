// Package telemetry defines Prometheus metrics and HTTP helpers.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_fetches_total",
			Help: "Total fetch attempts, labeled by host, strategy and outcome.",
		},
		[]string{"host", "strategy", "outcome"},
	)

	recordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_records_total",
			Help: "Total records extracted and handed to the sink.",
		},
	)

	terminalFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_terminal_failures_total",
			Help: "Total targets dropped after a terminal failure, labeled by reason.",
		},
		[]string{"reason"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_sessions_active",
			Help: "Browser sessions currently alive (idle or leased).",
		},
	)

	sessionsRetiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_sessions_retired_total",
			Help: "Sessions retired, labeled by cause.",
		},
		[]string{"cause"},
	)

	admissionDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_admission_denied_total",
			Help: "Admission denials, labeled by host and cause.",
		},
		[]string{"host", "cause"},
	)

	fetchLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_fetch_latency_seconds",
			Help:    "Histogram of fetch latencies, labeled by strategy.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"strategy"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total API HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of API request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
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
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.statusCode)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, routePattern).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeHost extracts a lowercase hostname from a URL or host string.
func SanitizeHost(raw string) string {
	if raw == "" {
		return "unknown"
	}
	if !strings.Contains(raw, "://") {
		return strings.ToLower(raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(host, strategy, outcome string, latency time.Duration) {
	fetchesTotal.WithLabelValues(SanitizeHost(host), strategy, outcome).Inc()
	fetchLatencySeconds.WithLabelValues(strategy).Observe(latency.Seconds())
}

// ObserveRecord counts a record handed to the sink.
func ObserveRecord() {
	recordsTotal.Inc()
}

// ObserveTerminalFailure counts a dropped target.
func ObserveTerminalFailure(reason string) {
	terminalFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveAdmissionDenied counts an admission denial.
func ObserveAdmissionDenied(host, cause string) {
	admissionDeniedTotal.WithLabelValues(SanitizeHost(host), cause).Inc()
}

// IncSessions / DecSessions track live browser sessions.
func IncSessions() { sessionsActive.Inc() }

// DecSessions decrements the live session gauge.
func DecSessions() { sessionsActive.Dec() }

// ObserveSessionRetired counts a retirement with its cause.
func ObserveSessionRetired(cause string) {
	sessionsRetiredTotal.WithLabelValues(cause).Inc()
}
