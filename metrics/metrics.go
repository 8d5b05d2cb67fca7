// Package metrics holds the Prometheus collectors shared by the delivery
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "auramesh"

// Metrics groups every collector the core updates
type Metrics struct {
	ReassemblyAnomalies *prometheus.CounterVec
	MessagesDelivered   prometheus.Counter
	ReassemblyEntries   prometheus.Gauge

	Chunks   *prometheus.CounterVec
	Messages *prometheus.CounterVec
	Queued   prometheus.Gauge

	ReconnectsScheduled prometheus.Counter
	ConnectAttempts     prometheus.Counter
	ConnectTimeouts     prometheus.Counter
	SessionsRestored    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors, which is convenient in tests.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ReassemblyAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reassembly",
			Name:      "anomalies_total",
			Help:      "Protocol anomalies tolerated while reassembling parts",
		}, []string{"kind"}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reassembly",
			Name:      "messages_delivered_total",
			Help:      "Messages fully reassembled and handed to the application",
		}),
		ReassemblyEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reassembly",
			Name:      "entries",
			Help:      "Partial messages currently held",
		}),
		Chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "chunks_total",
			Help:      "Chunk transmissions by outcome",
		}, []string{"outcome"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Outbound messages by terminal result",
		}, []string{"result"}),
		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "queued",
			Help:      "Messages waiting for the broadcast slot",
		}),
		ReconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "reconnects_scheduled_total",
			Help:      "Backoff reconnect tasks scheduled",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Connection attempts started",
		}),
		ConnectTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "timeouts_total",
			Help:      "Connection attempts aborted by the watchdog",
		}),
		SessionsRestored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "sessions_restored_total",
			Help:      "Session restoration outcomes",
		}, []string{"result"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	m.ReassemblyAnomalies = register(reg, m.ReassemblyAnomalies, &err)
	m.MessagesDelivered = register(reg, m.MessagesDelivered, &err)
	m.ReassemblyEntries = register(reg, m.ReassemblyEntries, &err)
	m.Chunks = register(reg, m.Chunks, &err)
	m.Messages = register(reg, m.Messages, &err)
	m.Queued = register(reg, m.Queued, &err)
	m.ReconnectsScheduled = register(reg, m.ReconnectsScheduled, &err)
	m.ConnectAttempts = register(reg, m.ConnectAttempts, &err)
	m.ConnectTimeouts = register(reg, m.ConnectTimeouts, &err)
	m.SessionsRestored = register(reg, m.SessionsRestored, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg. When an identical collector is already registered
// (several nodes sharing one registry) the existing one is returned so all of
// them feed the same series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, errp *error) T {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

func (m *Metrics) Anomaly(kind string) {
	if m != nil {
		m.ReassemblyAnomalies.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Delivered() {
	if m != nil {
		m.MessagesDelivered.Inc()
	}
}

func (m *Metrics) SetEntries(n int) {
	if m != nil {
		m.ReassemblyEntries.Set(float64(n))
	}
}

func (m *Metrics) Chunk(outcome string) {
	if m != nil {
		m.Chunks.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Message(result string) {
	if m != nil {
		m.Messages.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetQueued(n int) {
	if m != nil {
		m.Queued.Set(float64(n))
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m != nil {
		m.ReconnectsScheduled.Inc()
	}
}

func (m *Metrics) Attempt() {
	if m != nil {
		m.ConnectAttempts.Inc()
	}
}

func (m *Metrics) Timeout() {
	if m != nil {
		m.ConnectTimeouts.Inc()
	}
}

func (m *Metrics) SessionRestored(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.SessionsRestored.WithLabelValues(result).Inc()
}
