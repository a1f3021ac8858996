// Package metrics provides Prometheus instrumentation for the game engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts game sessions created.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cavecrawl_sessions_started_total",
		Help: "Total number of game sessions started",
	})

	// RoundsResolved counts resolved rounds, partitioned by outcome.
	RoundsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cavecrawl_rounds_resolved_total",
		Help: "Total number of rounds resolved",
	}, []string{"outcome"}) // "safe" or "trap"

	// SessionsCompleted counts completed sessions by final result.
	SessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cavecrawl_sessions_completed_total",
		Help: "Total number of sessions completed",
	}, []string{"result"}) // "win" or "loss"

	// RoundConflicts counts round resolutions rejected by the
	// compare-and-swap condition (out-of-order, replay, double submit).
	RoundConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cavecrawl_round_conflicts_total",
		Help: "Round resolutions rejected by the concurrency guard",
	})

	// AuthFailures counts failed authentication attempts by reason.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cavecrawl_auth_failures_total",
		Help: "Failed authentication attempts",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cavecrawl_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cavecrawl_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cavecrawl_http_request_duration_seconds",
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

		// Label with the route pattern, not the raw path: session URLs
		// carry UUIDs and would mint unbounded label pairs.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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
