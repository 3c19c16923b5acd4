package registry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the registry.
type Metrics struct {
	Registrations    prometheus.Counter
	Heartbeats       prometheus.Counter
	Resolutions      prometheus.Counter
	StateTransitions *prometheus.CounterVec
	HealthClass      *prometheus.CounterVec
}

// NewMetrics creates and registers registry metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tekton_registry_registrations_total",
			Help: "Component registrations accepted.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tekton_registry_heartbeats_total",
			Help: "Heartbeats processed.",
		}),
		Resolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tekton_registry_resolutions_total",
			Help: "Name and capability resolutions served.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tekton_registry_state_transitions_total",
			Help: "Component state transitions by from/to state.",
		}, []string{"from", "to"}),
		HealthClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tekton_registry_health_classifications_total",
			Help: "Health classifications observed by the monitor.",
		}, []string{"class"}),
	}
	reg.MustRegister(m.Registrations, m.Heartbeats, m.Resolutions,
		m.StateTransitions, m.HealthClass)
	return m
}
