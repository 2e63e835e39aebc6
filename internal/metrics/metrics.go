package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay"

// Metrics holds the collectors shared by the realtime and monitoring components.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	EventsDelivered   *prometheus.CounterVec
	SendFailures      *prometheus.CounterVec
	ReaperEvictions   prometheus.Counter
	ControlMessages   *prometheus.CounterVec

	MonitorsActive  prometheus.Gauge
	MonitorOutcomes *prometheus.CounterVec
	ProviderErrors  prometheus.Counter
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of registered realtime connections",
		}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "delivered_total",
			Help:      "Events written to a connection",
		}, []string{"type"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "send_failures_total",
			Help:      "Event writes that failed and disconnected the peer",
		}, []string{"type"}),
		ReaperEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "evicted_total",
			Help:      "Connections evicted for missing heartbeats",
		}),
		ControlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "messages_total",
			Help:      "Inbound control messages by type and result",
		}, []string{"type", "result"}),
		MonitorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitors",
			Name:      "active",
			Help:      "Running verification monitors",
		}),
		MonitorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitors",
			Name:      "finished_total",
			Help:      "Verification monitors by terminal state",
		}, []string{"state"}),
		ProviderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "errors_total",
			Help:      "Failed verification provider polls",
		}),
	}

	registerer.MustRegister(
		m.ConnectionsActive,
		m.EventsDelivered,
		m.SendFailures,
		m.ReaperEvictions,
		m.ControlMessages,
		m.MonitorsActive,
		m.MonitorOutcomes,
		m.ProviderErrors,
	)

	return m
}

// NewNop returns collectors that are not registered anywhere.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
