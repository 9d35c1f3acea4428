// Package metrics provides Prometheus metrics for the auth backend
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
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketlens",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketlens",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
)

var (
	// LoginsTotal counts login attempts by outcome
	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Total number of login attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LockoutsEngagedTotal counts account lockouts by tier
	LockoutsEngagedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "auth",
			Name:      "lockouts_engaged_total",
			Help:      "Total number of account lockouts engaged by tier",
		},
		[]string{"tier"},
	)

	// TokenRotationsTotal counts successful refresh token rotations
	TokenRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "auth",
			Name:      "token_rotations_total",
			Help:      "Total number of successful refresh token rotations",
		},
	)

	// TokenReuseDetectedTotal counts refresh token replay detections
	TokenReuseDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "auth",
			Name:      "token_reuse_detected_total",
			Help:      "Total number of refresh token reuse detections",
		},
	)

	// SessionHijacksFlaggedTotal counts suspected session hijacks
	SessionHijacksFlaggedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "auth",
			Name:      "session_hijacks_flagged_total",
			Help:      "Total number of sessions flagged for suspected hijacking",
		},
	)

	// SessionsRevokedTotal counts revoked sessions by reason
	SessionsRevokedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "auth",
			Name:      "sessions_revoked_total",
			Help:      "Total number of sessions revoked by reason",
		},
		[]string{"reason"},
	)
)

var (
	// AuditEventsRecorded counts security events accepted by the recorder
	AuditEventsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "audit",
			Name:      "events_recorded_total",
			Help:      "Total number of security events accepted for recording",
		},
	)

	// AuditEventsDropped counts security events dropped due to backpressure
	AuditEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "audit",
			Name:      "events_dropped_total",
			Help:      "Total number of security events dropped because the buffer was full",
		},
	)

	// AuditEventsFailed counts security events that failed to persist after retry
	AuditEventsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "audit",
			Name:      "events_failed_total",
			Help:      "Total number of security events that failed to persist after retry",
		},
	)

	// AuditEventsArchived counts security events archived to object storage
	AuditEventsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "audit",
			Name:      "events_archived_total",
			Help:      "Total number of security events archived to object storage",
		},
	)
)

var (
	// RateLimitDecisionsTotal counts rate limit decisions by class and outcome
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketlens",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions by endpoint class and outcome",
		},
		[]string{"class", "outcome"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns a chi middleware that records HTTP metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		path := getRoutePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// getRoutePattern returns the route pattern from chi context
// Falls back to URL path if pattern not available
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
