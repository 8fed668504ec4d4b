// Package metrics provides Prometheus instrumentation for the position engine.
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
	// ActionsTotal counts submitted actions by kind and outcome
	// (executed, rejected, failed).
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covault_actions_total",
		Help: "Total number of submitted actions",
	}, []string{"kind", "outcome"})

	// ActionLatency tracks end-to-end action latency, refresh through
	// market-call completion.
	ActionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "covault_action_latency_seconds",
		Help:    "Action execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ValidationRejections counts actions stopped before reaching the
	// market, by rejection reason.
	ValidationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covault_validation_rejections_total",
		Help: "Actions rejected by local validation",
	}, []string{"reason"})

	// UpstreamErrors counts failed calls to the oracle and the market.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covault_upstream_errors_total",
		Help: "Failed oracle and market calls",
	}, []string{"source"})

	// JournalAppendFailures counts receipts that executed but could not be
	// journaled.
	JournalAppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "covault_journal_append_failures_total",
		Help: "Executed actions whose receipt failed to persist",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "covault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "covault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
