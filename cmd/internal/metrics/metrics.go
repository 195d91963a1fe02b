// Package metrics holds the Prometheus collectors for the chat core.
//
// All recording methods are nil-safe so components can run without metrics
// (tests, tools).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zerochat"

// Metrics groups every collector the chat core records into.
type Metrics struct {
	MessagesSubmitted *prometheus.CounterVec
	PushesDelivered   prometheus.Counter
	PushesFailed      *prometheus.CounterVec
	UnreadIncrements  prometheus.Counter
	UnreadResets      prometheus.Counter
	StorageErrors     *prometheus.CounterVec
	CallEvents        *prometheus.CounterVec
	OnlineUsers       prometheus.Gauge
	Connections       prometheus.Gauge
}

// New builds the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_submitted_total",
			Help:      "Messages persisted, by conversation kind.",
		}, []string{"kind"}),
		PushesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_delivered_total",
			Help:      "Events enqueued on a live connection.",
		}),
		PushesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_failed_total",
			Help:      "Events that could not be enqueued, by event type.",
		}, []string{"type"}),
		UnreadIncrements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unread_increments_total",
			Help:      "Unread counter increments.",
		}),
		UnreadResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unread_resets_total",
			Help:      "Unread counter resets.",
		}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Conversation store failures, by operation.",
		}, []string{"op"}),
		CallEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call signaling transitions, by action.",
		}, []string{"action"}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one live connection.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live realtime connections.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesSubmitted,
			m.PushesDelivered,
			m.PushesFailed,
			m.UnreadIncrements,
			m.UnreadResets,
			m.StorageErrors,
			m.CallEvents,
			m.OnlineUsers,
			m.Connections,
		)
	}
	return m
}

// Handler exposes g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageSubmitted(kind string) {
	if m == nil {
		return
	}
	m.MessagesSubmitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) PushDelivered() {
	if m == nil {
		return
	}
	m.PushesDelivered.Inc()
}

func (m *Metrics) PushFailed(eventType string) {
	if m == nil {
		return
	}
	m.PushesFailed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) UnreadIncremented() {
	if m == nil {
		return
	}
	m.UnreadIncrements.Inc()
}

func (m *Metrics) UnreadReset() {
	if m == nil {
		return
	}
	m.UnreadResets.Inc()
}

func (m *Metrics) StorageError(op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) CallEvent(action string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(action).Inc()
}

// SetPresence records the registry size after a join or leave.
func (m *Metrics) SetPresence(users, conns int) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(users))
	m.Connections.Set(float64(conns))
}
