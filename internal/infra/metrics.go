package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process counters and gauges.
// Each instance owns a private registry so tests can create as many as they need.
type Metrics struct {
	reg *prometheus.Registry

	// Counters
	QuotesPublished    prometheus.Counter
	QuotesDropped      prometheus.Counter
	QuotesForwarded    prometheus.Counter
	QuotesReceived     prometheus.Counter
	SendErrors         prometheus.Counter
	ReceiveErrors      prometheus.Counter
	HeartbeatsReceived prometheus.Counter
	SessionTimeouts    prometheus.Counter
	ControlCommands    *prometheus.CounterVec

	// Gauges
	ActiveSessions    prometheus.Gauge
	ActiveConnections prometheus.Gauge
	BusSubscribers    prometheus.Gauge
}

// NewMetrics creates and registers every metric.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		QuotesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotes_published_total",
			Help: "Quotes published to the fan-out bus.",
		}),
		QuotesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotes_dropped_total",
			Help: "Buffered quotes discarded because a subscriber queue was full.",
		}),
		QuotesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotes_forwarded_total",
			Help: "Quotes sent to subscribers over UDP.",
		}),
		QuotesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotes_received_total",
			Help: "Quotes decoded by the receiver.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udp_send_errors_total",
			Help: "Transient UDP send failures.",
		}),
		ReceiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udp_receive_errors_total",
			Help: "Transient UDP receive failures.",
		}),
		HeartbeatsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heartbeats_received_total",
			Help: "Heartbeat pings answered by broadcast sessions.",
		}),
		SessionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_timeouts_total",
			Help: "Broadcast sessions closed after heartbeat silence.",
		}),
		ControlCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "control_commands_total",
			Help: "Control commands handled, by verb.",
		}, []string{"command"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Live broadcast sessions.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "control_connections_active",
			Help: "Open control connections.",
		}),
		BusSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bus_subscribers",
			Help: "Subscriptions registered on the fan-out bus.",
		}),
	}

	m.reg.MustRegister(
		m.QuotesPublished,
		m.QuotesDropped,
		m.QuotesForwarded,
		m.QuotesReceived,
		m.SendErrors,
		m.ReceiveErrors,
		m.HeartbeatsReceived,
		m.SessionTimeouts,
		m.ControlCommands,
		m.ActiveSessions,
		m.ActiveConnections,
		m.BusSubscribers,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
