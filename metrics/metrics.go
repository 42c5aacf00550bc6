// Package metrics provides Prometheus instrumentation for asynctcp clients
// and servers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors shared by every connection of one process.
type Metrics struct {
	// Connection metrics
	ActiveConnections *prometheus.GaugeVec
	TotalConnections  *prometheus.CounterVec
	ConnectionClosed  *prometheus.CounterVec
	ErrorEvents       *prometheus.CounterVec

	// Flow metrics
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
	AckTimeouts   prometheus.Counter
	AckLatency    prometheus.Histogram

	// Listener metrics
	AcceptRejected *prometheus.CounterVec
	PendingSockets prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "asynctcp"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of connections currently holding a control block",
			},
			[]string{"role"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections opened",
			},
			[]string{"role"},
		),
		ConnectionClosed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_closed_total",
				Help:      "Total number of connections torn down, by how they ended",
			},
			[]string{"role", "reason"},
		),
		ErrorEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "error_events_total",
				Help:      "Error events recorded by connection error trackers",
			},
			[]string{"event"},
		),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes acknowledged by peers",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Bytes delivered to applications",
		}),
		AckTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_timeouts_total",
			Help:      "Sends that were not acknowledged within the ack timeout",
		}),
		AckLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from send to full acknowledgement",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		AcceptRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accept_rejected_total",
				Help:      "Inbound sockets closed before becoming connections",
			},
			[]string{"reason"},
		),
		PendingSockets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_sockets",
			Help:      "Inbound sockets waiting for the handshake gate",
		}),
	}
}

func (m *Metrics) Opened(role string) {
	if m == nil {
		return
	}
	m.TotalConnections.WithLabelValues(role).Inc()
	m.ActiveConnections.WithLabelValues(role).Inc()
}

func (m *Metrics) Closed(role, reason string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(role).Dec()
	m.ConnectionClosed.WithLabelValues(role, reason).Inc()
}

func (m *Metrics) ErrorEvent(event string) {
	if m == nil {
		return
	}
	m.ErrorEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Acked(n int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(n))
	m.AckLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) Received(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) AckTimeout() {
	if m == nil {
		return
	}
	m.AckTimeouts.Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.AcceptRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingSockets.Set(float64(n))
}
