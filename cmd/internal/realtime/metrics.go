package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connections prometheus.Gauge
	Interests   prometheus.Gauge
	Deliveries  *prometheus.CounterVec // by source: local|relay
	Drops       prometheus.Counter
	Relayed     prometheus.Counter
	Rejected    *prometheus.CounterVec // by error code
}

// NewMetrics creates and registers the realtime collectors on reg.
// Passing a nil registerer creates unregistered collectors (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wander",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Interests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wander",
			Subsystem: "realtime",
			Name:      "interests",
			Help:      "Registered (connection, conversation) interests.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wander",
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Envelopes enqueued to interested connections.",
		}, []string{"source"}),
		Drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wander",
			Subsystem: "realtime",
			Name:      "drops_total",
			Help:      "Envelopes dropped because a connection queue was full or closing.",
		}),
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wander",
			Subsystem: "realtime",
			Name:      "relayed_messages_total",
			Help:      "send_message events accepted and fanned out.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wander",
			Subsystem: "realtime",
			Name:      "rejected_envelopes_total",
			Help:      "Inbound envelopes answered with an error, by code.",
		}, []string{"code"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Interests, m.Deliveries, m.Drops, m.Relayed, m.Rejected)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) interestsDelta(n int) {
	if m != nil && n != 0 {
		m.Interests.Add(float64(n))
	}
}

func (m *Metrics) delivered(source string, delivered, dropped int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.Deliveries.WithLabelValues(source).Add(float64(delivered))
	}
	if dropped > 0 {
		m.Drops.Add(float64(dropped))
	}
}

func (m *Metrics) relayed() {
	if m != nil {
		m.Relayed.Inc()
	}
}

func (m *Metrics) rejected(code string) {
	if m != nil {
		m.Rejected.WithLabelValues(code).Inc()
	}
}
