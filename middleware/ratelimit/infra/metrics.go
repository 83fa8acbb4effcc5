package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exporta os contadores do guard em Prometheus.
// Um *Metrics nil é válido e não registra nada.
type Metrics struct {
	decisions     *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	eventsDropped prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_decisions_total",
				Help: "Decisions taken by the guard, by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),
		storeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_store_errors_total",
				Help: "Counter store failures, by operation",
			},
			[]string{"op"},
		),
		escalations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_escalations_total",
				Help: "Adaptive escalations (override, suspicious, block)",
			},
			[]string{"kind"},
		),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "guard_events_dropped_total",
			Help: "Security events dropped because the dispatcher was saturated",
		}),
	}
}

func (m *Metrics) Decision(policy, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(policy, outcome).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Escalation(kind string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
