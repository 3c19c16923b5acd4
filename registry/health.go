package registry

import (
	"context"
	"time"
)

// HealthClass is the registry-side classification of a component by elapsed
// time since its last heartbeat.
type HealthClass string

const (
	HealthHealthy  HealthClass = "healthy"
	HealthDegraded HealthClass = "degraded"
	HealthFailed   HealthClass = "failed"
)

// Classify maps elapsed-since-last-heartbeat to a health class. The
// boundaries are inclusive on the degraded/failed side: elapsed == T1 is
// degraded, elapsed == T2 is failed.
func Classify(elapsed, interval time.Duration, t1Mult, t2Mult int) HealthClass {
	t1 := time.Duration(t1Mult) * interval
	t2 := time.Duration(t2Mult) * interval
	switch {
	case elapsed < t1:
		return HealthHealthy
	case elapsed < t2:
		return HealthDegraded
	default:
		return HealthFailed
	}
}

// Monitor drives heartbeat-based state transitions. One monitor per registry.
type Monitor struct {
	registry *Registry
	tick     time.Duration
}

// NewMonitor creates a health monitor for r. The sweep tick is half the
// heartbeat interval so boundary crossings are observed promptly.
func NewMonitor(r *Registry) *Monitor {
	tick := r.cfg.HeartbeatInterval / 2
	if tick <= 0 {
		tick = time.Second
	}
	return &Monitor{registry: r, tick: tick}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep applies one classification pass over all live components.
func (m *Monitor) Sweep() {
	r := m.registry
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if !e.live() {
			continue
		}
		elapsed := now.Sub(e.lastBeat)
		class := Classify(elapsed, r.cfg.HeartbeatInterval, r.cfg.T1Mult, r.cfg.T2Mult)
		if r.metrics != nil {
			r.metrics.HealthClass.WithLabelValues(string(class)).Inc()
		}

		switch class {
		case HealthFailed:
			// Heartbeat deadline exceeded: any live state moves to failed.
			r.transitionLocked(e, StateFailed, "heartbeat deadline exceeded")
			r.events.publish(Event{Type: EventFailed, ComponentID: e.comp.ID,
				InstanceUUID: e.comp.InstanceUUID, Timestamp: now,
				Detail: "heartbeat deadline exceeded"})
		case HealthDegraded:
			if e.comp.State == StateReady {
				e.consecutiveHealthy = 0
				r.transitionLocked(e, StateDegraded, "heartbeat misses")
				r.events.publish(Event{Type: EventDegraded, ComponentID: e.comp.ID,
					InstanceUUID: e.comp.InstanceUUID, Timestamp: now,
					Detail: "heartbeat misses"})
			}
		}
	}
}
