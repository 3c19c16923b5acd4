package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ckoons/Tekton-sub017/storage"
)

// snapshotKey is the KV key for the durable registry snapshot.
const snapshotKey = "registry.snapshot"

// Snapshot is the durable form of the registry's state. Only descriptors and
// capability rows are persisted; health bookkeeping is rebuilt from fresh
// registrations after a restart.
type Snapshot struct {
	TakenAt      time.Time               `json:"taken_at"`
	Components   []Component             `json:"components"`
	Capabilities map[string][]Capability `json:"capabilities,omitempty"`
	Fallbacks    []FallbackBinding       `json:"fallbacks,omitempty"`
	UsedUUIDs    map[string][]string     `json:"used_uuids,omitempty"`
}

// Snapshot captures the current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		TakenAt:      r.now(),
		Capabilities: make(map[string][]Capability, len(r.caps)),
		UsedUUIDs:    make(map[string][]string, len(r.usedUUIDs)),
	}
	for _, e := range r.entries {
		snap.Components = append(snap.Components, e.comp)
	}
	for name, list := range r.caps {
		snap.Capabilities[name] = append([]Capability(nil), list...)
	}
	snap.Fallbacks = append(snap.Fallbacks, r.fallbacks...)
	for id, used := range r.usedUUIDs {
		for u := range used {
			snap.UsedUUIDs[id] = append(snap.UsedUUIDs[id], u)
		}
	}
	return snap
}

// Restore loads a snapshot. Every component is marked unregistered and must
// re-register with a fresh instance_uuid; previously seen uuids stay burned.
func (r *Registry) Restore(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, comp := range snap.Components {
		comp.State = StateUnregistered
		comp.ReadyAt = nil
		r.entries[comp.ID] = &entry{
			comp:       comp,
			conditions: make(map[string]bool),
		}
	}
	for name, list := range snap.Capabilities {
		r.caps[name] = append([]Capability(nil), list...)
	}
	r.fallbacks = append(r.fallbacks, snap.Fallbacks...)
	for id, used := range snap.UsedUUIDs {
		if r.usedUUIDs[id] == nil {
			r.usedUUIDs[id] = make(map[string]struct{}, len(used))
		}
		for _, u := range used {
			r.usedUUIDs[id][u] = struct{}{}
		}
	}
}

// Snapshotter persists periodic snapshots to the durable KV store and the
// state file, both written atomically.
type Snapshotter struct {
	registry *Registry
	kv       storage.KV
	path     string
	interval time.Duration
}

// NewSnapshotter creates a snapshotter. kv may be nil (file only).
func NewSnapshotter(r *Registry, kv storage.KV, path string, interval time.Duration) *Snapshotter {
	return &Snapshotter{registry: r, kv: kv, path: path, interval: interval}
}

// Run persists snapshots on the configured interval until ctx is cancelled,
// taking one final snapshot on the way out.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Save(shutdownCtx); err != nil {
				s.registry.logger.Error("Final registry snapshot failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Save(ctx); err != nil {
				s.registry.logger.Error("Registry snapshot failed", "error", err)
			}
		}
	}
}

// Save writes one snapshot.
func (s *Snapshotter) Save(ctx context.Context) error {
	snap := s.registry.Snapshot()

	if err := storage.WriteJSON(s.path, snap); err != nil {
		return fmt.Errorf("write snapshot file: %w", err)
	}
	if s.kv != nil {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		if err := s.kv.Put(ctx, snapshotKey, data); err != nil {
			return fmt.Errorf("put snapshot: %w", err)
		}
	}
	return nil
}

// Load restores the most recent snapshot, preferring the KV copy and falling
// back to the file. A missing snapshot is a clean start, not an error.
func (s *Snapshotter) Load(ctx context.Context) error {
	var snap Snapshot

	if s.kv != nil {
		data, err := s.kv.Get(ctx, snapshotKey)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("unmarshal snapshot: %w", err)
			}
			s.registry.Restore(snap)
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("get snapshot: %w", err)
		}
	}

	err := storage.ReadJSON(s.path, &snap)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.registry.Restore(snap)
	return nil
}
