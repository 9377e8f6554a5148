// Package telemetry provides observability primitives for the Warden gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	UpstreamDuration   *prometheus.HistogramVec
	UpstreamErrors     *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
	RateLimitFailOpen  *prometheus.CounterVec
	CircuitRejects     *prometheus.CounterVec
	CircuitTransitions *prometheus.CounterVec
	StorePendingEvents prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "warden",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "warden",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration to response headers, in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"service"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "upstream_errors_total",
			Help:      "Total upstream failures by kind (5xx, timeout, unreachable).",
		}, []string{"service", "kind"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		RateLimitFailOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "ratelimit_failopen_total",
			Help:      "Requests admitted without counting because the store was unreachable.",
		}, []string{"type"}),

		CircuitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "circuit_rejects_total",
			Help:      "Requests fast-rejected by an open circuit.",
		}, []string{"service"}),

		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"service", "to"}),

		StorePendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "store_pending_events",
			Help:      "Breaker updates queued locally because the store was unreachable.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RateLimitRejects,
		m.RateLimitFailOpen,
		m.CircuitRejects,
		m.CircuitTransitions,
		m.StorePendingEvents,
	)

	return m
}
