// Package metrics holds the Prometheus collectors for the relay. A nil
// *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pgrelay"

type Metrics struct {
	EventsReceived    *prometheus.CounterVec
	EventsDelivered   prometheus.Counter
	EventsDropped     prometheus.Counter
	EventsUnmatched   prometheus.Counter
	DispatchDuration  prometheus.Histogram
	SessionsActive    prometheus.Gauge
	SessionsEvicted   prometheus.Counter
	SessionsRejected  prometheus.Counter
	UpstreamState     prometheus.Gauge
	UpstreamReconnect prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events accepted into the dispatcher, by origin.",
		}, []string{"origin"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_enqueued_total",
			Help:      "Event copies placed on session outboxes.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Queued events discarded because a session outbox was full.",
		}),
		EventsUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unmatched_total",
			Help:      "Events that matched no session.",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to fan one event out to its matching sessions.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently connected.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions closed for exceeding the lag limit.",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Connections refused by the connection limit.",
		}),
		UpstreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_state",
			Help:      "Upstream listener state: 0 disconnected, 1 connecting, 2 listening.",
		}),
		UpstreamReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Upstream connection failures followed by a retry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsReceived,
			m.EventsDelivered,
			m.EventsDropped,
			m.EventsUnmatched,
			m.DispatchDuration,
			m.SessionsActive,
			m.SessionsEvicted,
			m.SessionsRejected,
			m.UpstreamState,
			m.UpstreamReconnect,
		)
	}
	return m
}

func (m *Metrics) Received(origin string) {
	if m != nil {
		m.EventsReceived.WithLabelValues(origin).Inc()
	}
}

func (m *Metrics) Enqueued() {
	if m != nil {
		m.EventsDelivered.Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

func (m *Metrics) Unmatched() {
	if m != nil {
		m.EventsUnmatched.Inc()
	}
}

func (m *Metrics) ObserveDispatch(seconds float64) {
	if m != nil {
		m.DispatchDuration.Observe(seconds)
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) Evicted() {
	if m != nil {
		m.SessionsEvicted.Inc()
	}
}

func (m *Metrics) Rejected() {
	if m != nil {
		m.SessionsRejected.Inc()
	}
}

func (m *Metrics) SetUpstreamState(state int) {
	if m != nil {
		m.UpstreamState.Set(float64(state))
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.UpstreamReconnect.Inc()
	}
}
