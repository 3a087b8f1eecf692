// Package metrics holds the prometheus collectors for both the client layer
// and the reference broker. Every method is safe on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "classlink"

type Metrics struct {
	framesReceived   *prometheus.CounterVec
	decodeErrors     prometheus.Counter
	framesDropped    *prometheus.CounterVec
	duplicates       prometheus.Counter
	reconnects       prometheus.Counter
	connectionsOpen  prometheus.Gauge
	participants     *prometheus.GaugeVec
	brokerConns      prometheus.Gauge
	brokerPublished  prometheus.Counter
	brokerDelivered  prometheus.Counter
	brokerLimited    prometheus.Counter
	brokerSubscribed prometheus.Gauge
}

// New registers every collector with reg. A nil reg uses a private registry,
// which keeps parallel tests from colliding on the global one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Decoded inbound frames by event type.",
		}, []string{"type"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Decoded frames with no live target.",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Conversation messages absorbed by id dedup.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful transport reconnects.",
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Client transport connections currently established.",
		}),
		participants: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_participants",
			Help:      "Participants currently tracked per room.",
		}, []string{"room"}),
		brokerConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connections",
			Help:      "Websocket connections held by the broker.",
		}),
		brokerPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "frames_published_total",
			Help:      "Frames accepted for fan-out.",
		}),
		brokerDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "frames_delivered_total",
			Help:      "Frames written to subscriber queues.",
		}),
		brokerLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "frames_rate_limited_total",
			Help:      "Publishes rejected by the per-connection limiter.",
		}),
		brokerSubscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscriptions",
			Help:      "Active topic subscriptions across all connections.",
		}),
	}
	reg.MustRegister(
		m.framesReceived, m.decodeErrors, m.framesDropped, m.duplicates,
		m.reconnects, m.connectionsOpen, m.participants,
		m.brokerConns, m.brokerPublished, m.brokerDelivered, m.brokerLimited, m.brokerSubscribed,
	)
	return m
}

func (m *Metrics) FrameReceived(eventType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DuplicateMessage() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ConnectionUp and ConnectionDown must be paired per physical connection.
func (m *Metrics) ConnectionUp() {
	if m == nil {
		return
	}
	m.connectionsOpen.Inc()
}

func (m *Metrics) ConnectionDown() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}

func (m *Metrics) SetParticipants(room string, n int) {
	if m == nil {
		return
	}
	m.participants.WithLabelValues(room).Set(float64(n))
}

func (m *Metrics) ForgetRoom(room string) {
	if m == nil {
		return
	}
	m.participants.DeleteLabelValues(room)
}

func (m *Metrics) BrokerConnection(delta int) {
	if m == nil {
		return
	}
	m.brokerConns.Add(float64(delta))
}

func (m *Metrics) BrokerPublished() {
	if m == nil {
		return
	}
	m.brokerPublished.Inc()
}

func (m *Metrics) BrokerDelivered(n int) {
	if m == nil {
		return
	}
	m.brokerDelivered.Add(float64(n))
}

func (m *Metrics) BrokerRateLimited() {
	if m == nil {
		return
	}
	m.brokerLimited.Inc()
}

func (m *Metrics) BrokerSubscriptions(delta int) {
	if m == nil {
		return
	}
	m.brokerSubscribed.Add(float64(delta))
}
