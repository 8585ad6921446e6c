// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsRejected *prometheus.CounterVec
	InboundMessages     *prometheus.CounterVec

	BroadcastsTotal     *prometheus.CounterVec
	DeliveriesTotal     *prometheus.CounterVec
	BroadcastRecipients *prometheus.HistogramVec

	RateLimitDecisions *prometheus.CounterVec

	DispatchTotal *prometheus.CounterVec
	JobsEnqueued  prometheus.Counter

	BridgeMessages *prometheus.CounterVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		ConnectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realtime_connections_active",
				Help: "Live WebSocket connections by endpoint kind.",
			},
			[]string{"endpoint"},
		),
		ConnectionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_connections_rejected_total",
				Help: "Connection attempts rejected by reason (missing_username, duplicate, upgrade).",
			},
			[]string{"endpoint", "reason"},
		),
		InboundMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_inbound_messages_total",
				Help: "Inbound socket messages by event and outcome.",
			},
			[]string{"event", "outcome"},
		),
		BroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_broadcasts_total",
				Help: "Broadcast passes by event kind.",
			},
			[]string{"event"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_deliveries_total",
				Help: "Per-recipient deliveries by event kind and result (sent, failed).",
			},
			[]string{"event", "result"},
		),
		BroadcastRecipients: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_broadcast_recipients",
				Help:    "Number of matching connections per broadcast pass.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
			[]string{"event"},
		),
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_decisions_total",
				Help: "Cooldown decisions by action and result (allowed, rejected, error).",
			},
			[]string{"action", "result"},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_operations_total",
				Help: "Notification publishes and job appends by operation and status.",
			},
			[]string{"operation", "status"},
		),
		JobsEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_enqueued_total",
				Help: "Total answer-generation jobs appended to the job log.",
			},
		),
		BridgeMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_messages_total",
				Help: "Cross-instance notifications by channel and outcome (broadcast, skipped_own, invalid).",
			},
			[]string{"channel", "outcome"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ConnectionsActive,
		m.ConnectionsRejected,
		m.InboundMessages,
		m.BroadcastsTotal,
		m.DeliveriesTotal,
		m.BroadcastRecipients,
		m.RateLimitDecisions,
		m.DispatchTotal,
		m.JobsEnqueued,
		m.BridgeMessages,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// NewNop returns collectors registered against a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
