package reludp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the transport's Prometheus instruments. A nil *Metrics
// disables collection, so instrumentation is opt-in per channel.
type Metrics struct {
	packetsSent         prometheus.Counter
	packetsReceived     prometheus.Counter
	subPacketsDelivered prometheus.Counter
	duplicatesDropped   prometheus.Counter
	acksReceived        prometheus.Counter
	latencySeconds      prometheus.Gauge
}

// NewMetrics registers the transport instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "reludp",
			Name:      "packets_sent_total",
			Help:      "Reliable datagrams handed to the connection layer.",
		}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "reludp",
			Name:      "packets_received_total",
			Help:      "Reliable datagrams taken from the connection layer.",
		}),
		subPacketsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "reludp",
			Name:      "subpackets_delivered_total",
			Help:      "Sub-packet payloads queued for the application.",
		}),
		duplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "reludp",
			Name:      "duplicates_dropped_total",
			Help:      "Sub-packets suppressed as duplicates.",
		}),
		acksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "reludp",
			Name:      "acks_received_total",
			Help:      "Sent sequences acknowledged by the peer.",
		}),
		latencySeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "reludp",
			Name:      "latency_seconds",
			Help:      "Smoothed round-trip latency estimate.",
		}),
	}
}

func (m *Metrics) packetSent() {
	if m == nil {
		return
	}
	m.packetsSent.Inc()
}

func (m *Metrics) packetReceived() {
	if m == nil {
		return
	}
	m.packetsReceived.Inc()
}

func (m *Metrics) subPacketDelivered() {
	if m == nil {
		return
	}
	m.subPacketsDelivered.Inc()
}

func (m *Metrics) duplicateDropped() {
	if m == nil {
		return
	}
	m.duplicatesDropped.Inc()
}

func (m *Metrics) ackReceived(latency time.Duration) {
	if m == nil {
		return
	}
	m.acksReceived.Inc()
	m.latencySeconds.Set(latency.Seconds())
}
