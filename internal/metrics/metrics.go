package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	DecisionsTotal       *prometheus.CounterVec
	GateEvaluationsTotal *prometheus.CounterVec
	WaiversRecorded      prometheus.Counter
}

// New registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "govern_decisions_total",
			Help: "Promotion decisions processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		GateEvaluationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "govern_gate_evaluations_total",
			Help: "Gate evaluations performed, by gate type and result.",
		}, []string{"type", "result"}),
		WaiversRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "govern_waivers_recorded_total",
			Help: "Waivers attached to promotion requests.",
		}),
	}
}

// NopMetrics returns collectors bound to a private registry so tests can wire
// an Engine without touching the default registry.
func NopMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "govern_decisions_total",
			Help: "Promotion decisions processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		GateEvaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "govern_gate_evaluations_total",
			Help: "Gate evaluations performed, by gate type and result.",
		}, []string{"type", "result"}),
		WaiversRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "govern_waivers_recorded_total",
			Help: "Waivers attached to promotion requests.",
		}),
	}
}
