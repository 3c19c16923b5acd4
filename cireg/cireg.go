// Package cireg implements the CI registry: the directory of Companion
// Intelligences (greek-chorus specialists, terminal sessions, per-project
// CIs), their personas, and the persistent forwarding table consulted by the
// message shell on every send.
package cireg

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ckoons/Tekton-sub017/storage"
	"github.com/ckoons/Tekton-sub017/tekerr"
)

// Kind classifies a CI entry.
type Kind string

const (
	KindGreekChorus Kind = "greek-chorus"
	KindTerminal    Kind = "terminal"
	KindProject     Kind = "project"
)

// SunsetState tracks whether a CI is awake or drained.
type SunsetState string

const (
	SunsetAwake  SunsetState = "awake"
	SunsetAsleep SunsetState = "sunset"
)

// Entry is one registered CI.
type Entry struct {
	Name            string      `json:"ci_name"`
	Kind            Kind        `json:"kind"`
	Component       string      `json:"component"`
	Endpoint        string      `json:"endpoint,omitempty"`
	Persona         string      `json:"persona,omitempty"`
	ModelPreference string      `json:"model_preference,omitempty"`
	SunsetState     SunsetState `json:"sunset_state,omitempty"`
	NextPrompt      string      `json:"next_prompt,omitempty"`
	SunriseContext  string      `json:"sunrise_context,omitempty"`
	SunsetAt        *time.Time  `json:"sunset_at,omitempty"`
}

// Forward is one forwarding rule: messages for a CI are delivered to a
// terminal instead, optionally wrapped in the JSON envelope.
type Forward struct {
	TerminalID string    `json:"terminal_id"`
	JSON       bool      `json:"json"`
	CreatedAt  time.Time `json:"created_at"`
}

// TerminalDirectory answers whether a terminal currently exists. The terma
// subsystem provides the live implementation.
type TerminalDirectory interface {
	HasTerminal(id string) bool
}

// state is the persisted form of the registry.
type state struct {
	Entries  map[string]Entry   `json:"entries"`
	Forwards map[string]Forward `json:"forwards"`
}

// Registry is the CI registry, persisted as ci_registry.json under the state
// directory via atomic rename.
type Registry struct {
	path      string
	logger    *slog.Logger
	terminals TerminalDirectory

	mu       sync.RWMutex
	entries  map[string]Entry
	forwards map[string]Forward

	watcher *fsnotify.Watcher
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithTerminalDirectory wires the live terminal directory used to validate
// forward targets.
func WithTerminalDirectory(dir TerminalDirectory) Option {
	return func(r *Registry) { r.terminals = dir }
}

// Load opens (or initializes) the CI registry at path.
func Load(path string, opts ...Option) (*Registry, error) {
	r := &Registry{
		path:     path,
		logger:   slog.Default(),
		entries:  make(map[string]Entry),
		forwards: make(map[string]Forward),
	}
	for _, opt := range opts {
		opt(r)
	}

	var st state
	err := storage.ReadJSON(path, &st)
	switch {
	case err == nil:
		if st.Entries != nil {
			r.entries = st.Entries
		}
		if st.Forwards != nil {
			r.forwards = st.Forwards
		}
	case err == storage.ErrNotFound:
		// First run.
	default:
		return nil, fmt.Errorf("load ci registry: %w", err)
	}
	return r, nil
}

// Watch reloads the registry when another process rewrites the file. The
// shell CLI and the daemon share the file this way.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.path, err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := r.reload(); err != nil {
						r.logger.Warn("CI registry reload failed", "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("CI registry watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Registry) reload() error {
	var st state
	if err := storage.ReadJSON(r.path, &st); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.Entries != nil {
		r.entries = st.Entries
	}
	if st.Forwards != nil {
		r.forwards = st.Forwards
	}
	return nil
}

// saveLocked persists the current state. Callers hold the write lock.
func (r *Registry) saveLocked() error {
	st := state{Entries: r.entries, Forwards: r.forwards}
	if err := storage.WriteJSON(r.path, st); err != nil {
		return tekerr.Wrap(tekerr.CodePersistenceFailure, err)
	}
	return nil
}

// Put adds or replaces a CI entry.
func (r *Registry) Put(e Entry) error {
	if e.Name == "" {
		return tekerr.New(tekerr.CodeInvalid, "ci_name is required")
	}
	switch e.Kind {
	case KindGreekChorus, KindTerminal, KindProject:
	default:
		return tekerr.New(tekerr.CodeInvalid, "unknown CI kind %q", e.Kind)
	}
	if e.SunsetState == "" {
		e.SunsetState = SunsetAwake
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name] = e
	return r.saveLocked()
}

// EnsureTerminal records a terminal entry in the shared registry file so
// other processes can validate and honor forwards targeting it. An existing
// entry is left untouched.
func (r *Registry) EnsureTerminal(id string) error {
	if id == "" {
		return tekerr.New(tekerr.CodeInvalid, "terminal id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return nil
	}
	r.entries[id] = Entry{Name: id, Kind: KindTerminal, SunsetState: SunsetAwake}
	return r.saveLocked()
}

// Remove deletes a CI entry and any forward attached to it.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return tekerr.New(tekerr.CodeUnknownCI, "no CI named %q", name)
	}
	delete(r.entries, name)
	delete(r.forwards, name)
	return r.saveLocked()
}

// Get returns one CI entry.
func (r *Registry) Get(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Entry{}, tekerr.New(tekerr.CodeUnknownCI, "no CI named %q", name)
	}
	return e, nil
}

// List returns all entries sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByKind returns entries of one kind sorted by name.
func (r *Registry) ListByKind(kind Kind) []Entry {
	all := r.List()
	out := all[:0:0]
	for _, e := range all {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Update applies fn to the named entry under the write lock and persists.
func (r *Registry) Update(name string, fn func(*Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return tekerr.New(tekerr.CodeUnknownCI, "no CI named %q", name)
	}
	fn(&e)
	r.entries[name] = e
	return r.saveLocked()
}
