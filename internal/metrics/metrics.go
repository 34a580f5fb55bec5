// Package metrics holds the prometheus collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetsync"

type Metrics struct {
	EventsReceived    *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	ListenerFailures  *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ChannelState      prometheus.Gauge
	OutboundRequests  *prometheus.CounterVec
	AuditEntries      *prometheus.CounterVec
	AuditSinkFailures prometheus.Counter
	AuditSinkDrops    prometheus.Counter
	ReadyDepth        prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_received_total",
			Help: "Push events received, by type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Push messages dropped, by reason.",
		}, []string{"reason"}),
		ListenerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "listener_failures_total",
			Help: "Listener errors and panics, by event kind.",
		}, []string{"kind"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total",
			Help: "Scheduled reconnect attempts of the push channel.",
		}),
		ChannelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "channel_state",
			Help: "Push channel state (0 disconnected, 1 connecting, 2 open).",
		}),
		OutboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_requests_total",
			Help: "Requests to the authoritative service, by operation and outcome.",
		}, []string{"op", "outcome"}),
		AuditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "assignment_log_entries_total",
			Help: "Assignment log entries appended, by action.",
		}, []string{"action"}),
		AuditSinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "assignment_log_sink_failures_total",
			Help: "Failed writes to assignment log mirrors.",
		}),
		AuditSinkDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "assignment_log_sink_drops_total",
			Help: "Entries not mirrored because the sink buffer was full.",
		}),
		ReadyDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ready_depth",
			Help: "Number of tasks in the ready ordering at the last refresh.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsReceived, m.EventsDropped, m.ListenerFailures, m.ReconnectAttempts,
			m.ChannelState, m.OutboundRequests, m.AuditEntries, m.AuditSinkFailures,
			m.AuditSinkDrops, m.ReadyDepth)
	}
	return m
}

func (m *Metrics) EventReceived(kind string) {
	if m != nil {
		m.EventsReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventDropped(reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ListenerFailed(kind string) {
	if m != nil {
		m.ListenerFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Reconnecting() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) SetChannelState(s int) {
	if m != nil {
		m.ChannelState.Set(float64(s))
	}
}

func (m *Metrics) Request(op, outcome string) {
	if m != nil {
		m.OutboundRequests.WithLabelValues(op, outcome).Inc()
	}
}

// EntryAppended, SinkFailed and SinkDropped satisfy assignlog.Observer.
func (m *Metrics) EntryAppended(action string) {
	if m != nil {
		m.AuditEntries.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) SinkFailed() {
	if m != nil {
		m.AuditSinkFailures.Inc()
	}
}

func (m *Metrics) SinkDropped() {
	if m != nil {
		m.AuditSinkDrops.Inc()
	}
}

func (m *Metrics) SetReadyDepth(n int) {
	if m != nil {
		m.ReadyDepth.Set(float64(n))
	}
}
