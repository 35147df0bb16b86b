package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Daraja.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Socket transport metrics.
	SocketConnectsTotal    *prometheus.CounterVec
	SocketDisconnectsTotal *prometheus.CounterVec
	SocketHeartbeatsTotal  *prometheus.CounterVec

	// Webhook transport metrics.
	WebhookRequestsTotal   *prometheus.CounterVec
	WebhookRequestDuration *prometheus.HistogramVec
	WebhookQueueDepth      *prometheus.GaugeVec
	WebhookDroppedTotal    *prometheus.CounterVec

	// Event metrics.
	EventsTotal *prometheus.CounterVec

	// Token metrics.
	TokenRefreshesTotal *prometheus.CounterVec

	// Supervisor metrics.
	ActiveTransports *prometheus.GaugeVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SocketConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "socket",
			Name:      "connects_total",
			Help:      "Total socket connection attempts.",
		}, []string{"account", "status"}),

		SocketDisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "socket",
			Name:      "disconnects_total",
			Help:      "Total socket disconnects by classification.",
		}, []string{"account", "class"}),

		SocketHeartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "socket",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats sent.",
		}, []string{"account"}),

		WebhookRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Total webhook requests by outcome.",
		}, []string{"account", "outcome"}),

		WebhookRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daraja",
			Subsystem: "webhook",
			Name:      "request_duration_seconds",
			Help:      "Webhook request handling duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"account"}),

		WebhookQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "daraja",
			Subsystem: "webhook",
			Name:      "queue_depth",
			Help:      "Events waiting in the dispatch queue.",
		}, []string{"account"}),

		WebhookDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "webhook",
			Name:      "dropped_total",
			Help:      "Events dropped because the dispatch queue was full.",
		}, []string{"account"}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "events",
			Name:      "delivered_total",
			Help:      "Total canonical events delivered to consumers.",
		}, []string{"account", "type"}),

		TokenRefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "token",
			Name:      "refreshes_total",
			Help:      "Total token issuance calls.",
		}, []string{"account", "status"}),

		ActiveTransports: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "daraja",
			Name:      "active_transports",
			Help:      "Number of running transports by mode.",
		}, []string{"mode"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SocketConnectsTotal,
		m.SocketDisconnectsTotal,
		m.SocketHeartbeatsTotal,
		m.WebhookRequestsTotal,
		m.WebhookRequestDuration,
		m.WebhookQueueDepth,
		m.WebhookDroppedTotal,
		m.EventsTotal,
		m.TokenRefreshesTotal,
		m.ActiveTransports,
	)

	return m
}
