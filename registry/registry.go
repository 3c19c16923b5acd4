package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ckoons/Tekton-sub017/config"
	"github.com/ckoons/Tekton-sub017/tekerr"
)

// entry is the registry's bookkeeping for one component. All mutation goes
// through the registry mutex; reads copy out snapshots.
type entry struct {
	comp Component

	conditionDefs []ReadinessCondition
	conditions    map[string]bool
	readySignaled bool

	lastBeat           time.Time
	consecutiveHealthy int
	directives         []string

	token string
}

func (e *entry) live() bool {
	switch e.comp.State {
	case StateRegistering, StateInitializing, StateReady, StateDegraded:
		return true
	}
	return false
}

// Registry is the authoritative component table. Writes are serialized
// through a single mutex (the ownership boundary); reads work on copies.
type Registry struct {
	cfg    config.RegistryConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	entries   map[string]*entry
	usedUUIDs map[string]map[string]struct{}
	caps      map[string][]Capability
	fallbacks []FallbackBinding
	rrCounter uint64

	events  *eventBus
	metrics *Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides the registry clock (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEventSink forwards lifecycle events to an external sink (NATS).
func WithEventSink(sink EventSink) Option {
	return func(r *Registry) { r.events.sink = sink }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates an empty registry.
func New(cfg config.RegistryConfig, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		entries:   make(map[string]*entry),
		usedUUIDs: make(map[string]map[string]struct{}),
		caps:      make(map[string][]Capability),
		events:    newEventBus(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterRequest carries a registration.
type RegisterRequest struct {
	Component  Component            `json:"component"`
	Conditions []ReadinessCondition `json:"conditions,omitempty"`
}

// Register records a component instance and returns a registration token.
// A live instance under the same id is a conflict; schema failures are
// invalid; declared dependency cycles fail registration. Registration
// failures are fatal to the registrant.
func (r *Registry) Register(req RegisterRequest) (string, error) {
	comp := req.Component
	if err := comp.Validate(); err != nil {
		return "", tekerr.Wrap(tekerr.CodeInvalid, err)
	}
	if comp.InstanceUUID == "" {
		return "", tekerr.New(tekerr.CodeInvalid, "instance_uuid is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if used, ok := r.usedUUIDs[comp.ID]; ok {
		if _, seen := used[comp.InstanceUUID]; seen {
			return "", tekerr.New(tekerr.CodeStale,
				"instance_uuid %s was already used by %s", comp.InstanceUUID, comp.ID)
		}
	}

	if existing, ok := r.entries[comp.ID]; ok && existing.live() {
		return "", tekerr.New(tekerr.CodeConflict,
			"component %s has a live instance %s", comp.ID, existing.comp.InstanceUUID).
			WithDetail("instance_uuid", existing.comp.InstanceUUID)
	}

	if err := r.checkDependencyCycle(comp.ID, comp.Dependencies); err != nil {
		return "", err
	}

	now := r.now()
	comp.State = StateRegistering
	comp.RegisteredAt = now
	comp.LastHeartbeat = now
	comp.ReadyAt = nil

	e := &entry{
		comp:       comp,
		conditions: make(map[string]bool),
		lastBeat:   now,
		token:      uuid.New().String(),
	}
	for _, cond := range req.Conditions {
		cond.ComponentID = comp.ID
		e.conditionDefs = append(e.conditionDefs, cond)
		e.conditions[cond.Name] = false
	}

	r.entries[comp.ID] = e
	if r.usedUUIDs[comp.ID] == nil {
		r.usedUUIDs[comp.ID] = make(map[string]struct{})
	}
	r.usedUUIDs[comp.ID][comp.InstanceUUID] = struct{}{}

	// Register capabilities declared inline on the descriptor.
	for _, ref := range comp.Capabilities {
		name, level, _ := ParseCapabilityRef(ref)
		r.putCapabilityLocked(Capability{ProviderID: comp.ID, Name: name, Level: level})
	}

	// First successful registration record moves registering -> initializing.
	r.transitionLocked(e, StateInitializing, "registered")
	r.events.publish(Event{Type: EventRegistered, ComponentID: comp.ID,
		InstanceUUID: comp.InstanceUUID, Timestamp: now})
	if r.metrics != nil {
		r.metrics.Registrations.Inc()
	}

	r.maybePromoteLocked(e)

	r.logger.Info("Component registered",
		"id", comp.ID, "instance_uuid", comp.InstanceUUID, "state", e.comp.State)
	return e.token, nil
}

// Unregister removes a component instance. A mismatched uuid is stale.
func (r *Registry) Unregister(id, instanceUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return tekerr.New(tekerr.CodeNotFound, "component %s is not registered", id)
	}
	if e.comp.InstanceUUID != instanceUUID {
		return tekerr.New(tekerr.CodeStale,
			"instance_uuid %s does not match live instance", instanceUUID)
	}

	r.transitionLocked(e, StateUnregistered, "unregistered")
	r.removeProviderCapabilitiesLocked(id)
	r.events.publish(Event{Type: EventUnregistered, ComponentID: id,
		InstanceUUID: instanceUUID, Timestamp: r.now()})
	return nil
}

// Heartbeat records liveness and returns pending directives (e.g. "drain").
// Heartbeats never reject for load reasons and never cause data loss.
func (r *Registry) Heartbeat(id, instanceUUID string, metrics map[string]float64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.comp.State == StateUnregistered {
		return nil, tekerr.New(tekerr.CodeNotFound, "component %s is not registered", id)
	}
	if e.comp.InstanceUUID != instanceUUID {
		return nil, tekerr.New(tekerr.CodeStale,
			"heartbeat from stale instance %s", instanceUUID)
	}

	now := r.now()
	e.lastBeat = now
	e.comp.LastHeartbeat = now
	if r.metrics != nil {
		r.metrics.Heartbeats.Inc()
	}

	directives := e.directives
	e.directives = nil

	switch e.comp.State {
	case StateFailed:
		// Recovery requires a fresh registration with a new instance_uuid.
		directives = append(directives, "reregister")
	case StateDegraded:
		e.consecutiveHealthy++
		if e.consecutiveHealthy >= r.cfg.RecoveryHeartbeats {
			r.transitionLocked(e, StateReady, "recovered")
			r.events.publish(Event{Type: EventReady, ComponentID: id,
				InstanceUUID: instanceUUID, Timestamp: now, Detail: "recovered"})
		}
	}

	return directives, nil
}

// SignalReady records the component's explicit ready signal.
func (r *Registry) SignalReady(id, instanceUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveEntryLocked(id, instanceUUID)
	if err != nil {
		return err
	}
	e.readySignaled = true
	r.maybePromoteLocked(e)
	return nil
}

// ResolveCondition marks one readiness condition satisfied or unsatisfied.
func (r *Registry) ResolveCondition(id, instanceUUID, name string, ok bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveEntryLocked(id, instanceUUID)
	if err != nil {
		return err
	}
	if _, declared := e.conditions[name]; !declared {
		return tekerr.New(tekerr.CodeNotFound,
			"component %s has no readiness condition %q", id, name)
	}
	e.conditions[name] = ok
	if ok {
		r.maybePromoteLocked(e)
	}
	return nil
}

// Fail records an explicit failure signal.
func (r *Registry) Fail(id, instanceUUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveEntryLocked(id, instanceUUID)
	if err != nil {
		return err
	}
	r.transitionLocked(e, StateFailed, reason)
	r.events.publish(Event{Type: EventFailed, ComponentID: id,
		InstanceUUID: instanceUUID, Timestamp: r.now(), Detail: reason})
	return nil
}

// Degrade records a self-reported degradation signal.
func (r *Registry) Degrade(id, instanceUUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveEntryLocked(id, instanceUUID)
	if err != nil {
		return err
	}
	if e.comp.State == StateReady {
		e.consecutiveHealthy = 0
		r.transitionLocked(e, StateDegraded, reason)
		r.events.publish(Event{Type: EventDegraded, ComponentID: id,
			InstanceUUID: instanceUUID, Timestamp: r.now(), Detail: reason})
	}
	return nil
}

// RequestDrain queues a "drain" directive for the component's next heartbeat.
func (r *Registry) RequestDrain(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || !e.live() {
		return tekerr.New(tekerr.CodeNotFound, "component %s is not registered", id)
	}
	e.directives = append(e.directives, "drain")
	return nil
}

// Resolve returns the endpoints for a component name. With multiple versions
// registered under the same name, the highest version among ready components
// wins, then degraded ones.
func (r *Registry) Resolve(name string) ([]Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for _, e := range r.entries {
		if e.comp.ID != name && e.comp.Name != name {
			continue
		}
		if statePriority(e.comp.State) == 0 {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		bp, ep := statePriority(best.comp.State), statePriority(e.comp.State)
		if ep > bp || (ep == bp && compareVersions(e.comp.Version, best.comp.Version) > 0) {
			best = e
		}
	}
	if best == nil {
		return nil, tekerr.New(tekerr.CodeNotFound, "no live component named %q", name)
	}
	if r.metrics != nil {
		r.metrics.Resolutions.Inc()
	}
	endpoints := make([]Endpoint, len(best.comp.Endpoints))
	copy(endpoints, best.comp.Endpoints)
	return endpoints, nil
}

// Provider is one resolved capability provider.
type Provider struct {
	Component Component `json:"component"`
	Level     int       `json:"level"`
}

// ResolveCapability returns live providers of a capability ordered by
// (state priority, level desc, round-robin among ties). The round-robin
// position comes from a per-registry monotonic counter, keeping resolution
// deterministic under replay.
func (r *Registry) ResolveCapability(name string) ([]Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var providers []Provider
	for _, cap := range r.caps[name] {
		e, ok := r.entries[cap.ProviderID]
		if !ok || statePriority(e.comp.State) == 0 {
			continue
		}
		providers = append(providers, Provider{Component: e.comp, Level: cap.Level})
	}
	if len(providers) == 0 {
		return nil, tekerr.New(tekerr.CodeNotFound, "no live provider for capability %q", name)
	}

	sort.SliceStable(providers, func(i, j int) bool {
		pi, pj := statePriority(providers[i].Component.State), statePriority(providers[j].Component.State)
		if pi != pj {
			return pi > pj
		}
		if providers[i].Level != providers[j].Level {
			return providers[i].Level > providers[j].Level
		}
		return providers[i].Component.ID < providers[j].Component.ID
	})

	// Rotate each tied (state, level) run by the monotonic counter.
	rotated := providers[:0:0]
	for start := 0; start < len(providers); {
		end := start + 1
		for end < len(providers) &&
			statePriority(providers[end].Component.State) == statePriority(providers[start].Component.State) &&
			providers[end].Level == providers[start].Level {
			end++
		}
		run := providers[start:end]
		if len(run) > 1 {
			offset := int(r.rrCounter % uint64(len(run)))
			rotated = append(rotated, run[offset:]...)
			rotated = append(rotated, run[:offset]...)
		} else {
			rotated = append(rotated, run...)
		}
		start = end
	}
	r.rrCounter++

	if r.metrics != nil {
		r.metrics.Resolutions.Inc()
	}
	return rotated, nil
}

// RegisterCapability records a capability offering. Conflicts (same provider
// and name) are logged and overwritten, not rejected.
func (r *Registry) RegisterCapability(cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putCapabilityLocked(cap)
}

// RegisterFallback records a fallback binding for a consumer/capability pair.
func (r *Registry) RegisterFallback(fb FallbackBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.fallbacks {
		if existing.ConsumerID == fb.ConsumerID &&
			existing.CapabilityName == fb.CapabilityName &&
			existing.ProviderID == fb.ProviderID {
			r.logger.Warn("Fallback binding replaced",
				"consumer", fb.ConsumerID, "capability", fb.CapabilityName, "provider", fb.ProviderID)
			r.fallbacks[i] = fb
			return
		}
	}
	r.fallbacks = append(r.fallbacks, fb)
}

// Components returns a snapshot of all known components.
func (r *Registry) Components() []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Component, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.comp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the current descriptor for one component.
func (r *Registry) Get(id string) (Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Component{}, tekerr.New(tekerr.CodeNotFound, "component %s is not registered", id)
	}
	return e.comp, nil
}

// Subscribe returns a stream of lifecycle events matching the filter (empty
// filter receives everything) and a cancel function.
func (r *Registry) Subscribe(filter EventFilter) (<-chan Event, func()) {
	return r.events.subscribe(filter)
}

// liveEntryLocked fetches an entry, checking existence and instance match.
func (r *Registry) liveEntryLocked(id, instanceUUID string) (*entry, error) {
	e, ok := r.entries[id]
	if !ok || e.comp.State == StateUnregistered {
		return nil, tekerr.New(tekerr.CodeNotFound, "component %s is not registered", id)
	}
	if e.comp.InstanceUUID != instanceUUID {
		return nil, tekerr.New(tekerr.CodeStale,
			"operation from stale instance %s of %s", instanceUUID, id)
	}
	return e, nil
}

func (r *Registry) putCapabilityLocked(cap Capability) {
	list := r.caps[cap.Name]
	for i, existing := range list {
		if existing.ProviderID == cap.ProviderID {
			r.logger.Warn("Capability re-registered",
				"capability", cap.Name, "provider", cap.ProviderID,
				"old_level", existing.Level, "new_level", cap.Level)
			list[i] = cap
			return
		}
	}
	r.caps[cap.Name] = append(list, cap)
}

func (r *Registry) removeProviderCapabilitiesLocked(providerID string) {
	for name, list := range r.caps {
		kept := list[:0]
		for _, cap := range list {
			if cap.ProviderID != providerID {
				kept = append(kept, cap)
			}
		}
		if len(kept) == 0 {
			delete(r.caps, name)
		} else {
			r.caps[name] = kept
		}
	}
}

// maybePromoteLocked moves initializing -> ready when every readiness
// condition holds, all declared dependencies are ready, and a ready signal
// was received or can be derived (no conditions declared).
func (r *Registry) maybePromoteLocked(e *entry) {
	if e.comp.State != StateInitializing {
		return
	}
	for _, ok := range e.conditions {
		if !ok {
			return
		}
	}
	if len(e.conditionDefs) > 0 && !e.readySignaled {
		return
	}
	for _, dep := range e.comp.Dependencies {
		depEntry, ok := r.entries[dep]
		if !ok || depEntry.comp.State != StateReady {
			return
		}
	}

	now := r.now()
	e.comp.ReadyAt = &now
	r.transitionLocked(e, StateReady, "ready")
	r.events.publish(Event{Type: EventReady, ComponentID: e.comp.ID,
		InstanceUUID: e.comp.InstanceUUID, Timestamp: now})

	// A newly ready component may unblock dependents.
	for _, other := range r.entries {
		if other == e {
			continue
		}
		for _, dep := range other.comp.Dependencies {
			if dep == e.comp.ID {
				r.maybePromoteLocked(other)
				break
			}
		}
	}
}

// checkDependencyCycle rejects registrations whose declared dependencies
// would close a cycle through already-declared edges.
func (r *Registry) checkDependencyCycle(id string, deps []string) error {
	edges := make(map[string][]string, len(r.entries)+1)
	for cid, e := range r.entries {
		edges[cid] = e.comp.Dependencies
	}
	edges[id] = deps

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(string) []string
	visit = func(n string) []string {
		color[n] = gray
		for _, dep := range edges[n] {
			switch color[dep] {
			case gray:
				return []string{n, dep}
			case white:
				if cycle := visit(dep); cycle != nil {
					return append([]string{n}, cycle...)
				}
			}
		}
		color[n] = black
		return nil
	}
	if cycle := visit(id); cycle != nil {
		return tekerr.New(tekerr.CodeInvalid,
			"dependency cycle: %v", cycle)
	}
	return nil
}

func (r *Registry) transitionLocked(e *entry, to State, reason string) {
	from := e.comp.State
	if from == to {
		return
	}
	e.comp.State = to
	if to != StateDegraded {
		e.consecutiveHealthy = 0
	}
	if r.metrics != nil {
		r.metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	r.logger.Debug("Component state transition",
		"id", e.comp.ID, "from", from, "to", to, "reason", reason)
}

// Invoker dispatches a capability payload to one provider. The registry is
// transport-agnostic; the caller supplies the dispatch.
type Invoker func(ctx context.Context, providerID, handlerRef string, payload []byte) ([]byte, error)

// FallbackOutcome tags an ExecuteWithFallback result.
type FallbackOutcome string

const (
	OutcomeOK                  FallbackOutcome = "ok"
	OutcomeFallbackApplied     FallbackOutcome = "fallback_applied"
	OutcomeNoFallbackAvailable FallbackOutcome = "no_fallback_available"
)

// FallbackResult is the tagged result of ExecuteWithFallback.
type FallbackResult struct {
	Outcome  FallbackOutcome `json:"outcome"`
	Provider string          `json:"provider,omitempty"`
	Output   []byte          `json:"output,omitempty"`
	Attempts int             `json:"attempts"`
}

// ExecuteWithFallback invokes the capability's primary provider and, on
// transport-class failures only, walks the consumer's surviving fallback
// bindings from highest level down. Logic errors from a provider surface to
// the caller without fallback.
func (r *Registry) ExecuteWithFallback(ctx context.Context, consumerID, capability string, payload []byte, invoke Invoker) (*FallbackResult, error) {
	result := &FallbackResult{Outcome: OutcomeNoFallbackAvailable}

	providers, err := r.ResolveCapability(capability)
	if err == nil && len(providers) > 0 {
		result.Attempts++
		out, invokeErr := invoke(ctx, providers[0].Component.ID, "", payload)
		if invokeErr == nil {
			result.Outcome = OutcomeOK
			result.Provider = providers[0].Component.ID
			result.Output = out
			return result, nil
		}
		if !tekerr.IsTransport(invokeErr) {
			return nil, invokeErr
		}
		r.logger.Warn("Primary provider unavailable, trying fallbacks",
			"capability", capability, "provider", providers[0].Component.ID,
			"error", invokeErr)
	}

	for _, fb := range r.survivingFallbacks(consumerID, capability) {
		result.Attempts++
		out, invokeErr := invoke(ctx, fb.ProviderID, fb.HandlerRef, payload)
		if invokeErr == nil {
			result.Outcome = OutcomeFallbackApplied
			result.Provider = fb.ProviderID
			result.Output = out
			return result, nil
		}
		if !tekerr.IsTransport(invokeErr) {
			return nil, invokeErr
		}
	}

	return result, tekerr.New(tekerr.CodeNoFallbackAvailable,
		"no fallback available for %s/%s", consumerID, capability)
}

// survivingFallbacks returns the consumer's fallbacks whose providers are
// still live, highest level first.
func (r *Registry) survivingFallbacks(consumerID, capability string) []FallbackBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []FallbackBinding
	for _, fb := range r.fallbacks {
		if fb.ConsumerID != consumerID || fb.CapabilityName != capability {
			continue
		}
		e, ok := r.entries[fb.ProviderID]
		if !ok || statePriority(e.comp.State) == 0 {
			continue
		}
		out = append(out, fb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level > out[j].Level })
	return out
}
