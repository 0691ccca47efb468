// Package metrics exposes the Prometheus instrumentation for the session
// crypto core. Every disposition called out in spec.md's §7 error
// taxonomy gets a counter, matching the teacher's convention of a
// dedicated metric per security decision point.
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
	// SessionsActive tracks the number of live per-user sessions held by
	// the Session Manager.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "titan_crypto_sessions_active",
		Help: "Number of active cryptographic sessions held in memory",
	})

	// HandshakesTotal counts completed handshakes.
	HandshakesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titan_crypto_handshakes_total",
		Help: "Total number of completed ECDH/ECDSA handshakes",
	})

	// SealOperationsTotal counts successful seal operations.
	SealOperationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titan_crypto_seal_total",
		Help: "Total number of envelopes sealed",
	})

	// OpenOperationsTotal counts successful open operations.
	OpenOperationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titan_crypto_open_total",
		Help: "Total number of envelopes opened successfully",
	})

	// ErrorsTotal counts every disposition in spec.md §7's taxonomy,
	// partitioned by kind (e.g. "UnknownKey", "SequenceRegression").
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "titan_crypto_errors_total",
		Help: "Total number of crypto-core failures by kind",
	}, []string{"kind"})

	// RotationsTotal counts initiated key rotations (recorded when a new
	// pending rotation is created), partitioned by trigger ("time",
	// "message_count", "admin").
	RotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "titan_crypto_rotations_total",
		Help: "Total number of initiated key rotations",
	}, []string{"trigger"})

	// PreviousKeyExpiredTotal counts grace-window expirations that
	// zeroed a previous key.
	PreviousKeyExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titan_crypto_previous_key_expired_total",
		Help: "Total number of previous-key grace windows that expired",
	})

	// PersistenceFailuresTotal counts best-effort state store write
	// failures that did not fail the accompanying crypto operation.
	PersistenceFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "titan_crypto_persistence_failures_total",
		Help: "Total number of best-effort persistence failures",
	}, []string{"operation"})

	// BroadcastSendFailuresTotal counts per-recipient fan-out failures
	// that did not stop delivery to the rest of a group.
	BroadcastSendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titan_crypto_broadcast_send_failures_total",
		Help: "Total number of per-connection broadcast send failures",
	})

	// BroadcastDroppedTotal counts sends dropped because encryption was
	// required but the recipient had no live session, or because the
	// target connection is not registered.
	BroadcastDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titan_crypto_broadcast_dropped_total",
		Help: "Total number of broadcast sends dropped under strict encryption policy or for unregistered connections",
	})

	// GatewayInvocationsTotal counts gateway dispatches, partitioned by
	// target handler name and outcome.
	GatewayInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "titan_crypto_gateway_invocations_total",
		Help: "Total number of gateway invocations by target and outcome",
	}, []string{"target", "outcome"})

	// HTTPRequestsTotal and HTTPRequestDuration instrument the admin API.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "titan_crypto_http_requests_total",
		Help: "Total number of admin API HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "titan_crypto_http_request_duration_seconds",
		Help:    "Admin API HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordError increments ErrorsTotal for the given §7 error kind.
func RecordError(kind string) {
	ErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordPersistenceFailure increments PersistenceFailuresTotal for a
// named operation ("save_session", "save_signing_key", ...).
func RecordPersistenceFailure(operation string) {
	PersistenceFailuresTotal.WithLabelValues(operation).Inc()
}

// RecordRotation increments RotationsTotal for a named trigger.
func RecordRotation(trigger string) {
	RotationsTotal.WithLabelValues(trigger).Inc()
}

// RecordGatewayInvocation increments GatewayInvocationsTotal.
func RecordGatewayInvocation(target, outcome string) {
	GatewayInvocationsTotal.WithLabelValues(target, outcome).Inc()
}

// HTTPMiddleware wraps HTTP handlers with request count + latency metrics,
// matching the teacher's MetricsMiddleware shape.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
