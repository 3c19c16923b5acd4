// Package terma manages interactive terminal sessions and their ephemeral
// mailboxes. Each terminal carries three bounded FIFO inboxes (prompt, new,
// keep) that live in-process and vanish when the terminal detaches.
package terma

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

// Session is one attached terminal.
type Session struct {
	TerminalID string
	Name       string
	Purposes   []string
	AttachedAt time.Time

	mu     sync.Mutex
	prompt inbox
	new    inbox
	keep   inbox
}

func (s *Session) box(b Box) *inbox {
	switch b {
	case BoxPrompt:
		return &s.prompt
	case BoxNew:
		return &s.new
	case BoxKeep:
		return &s.keep
	}
	return nil
}

// Deliver appends a message to one of the session's inboxes. Overflow evicts
// the oldest entry; it is reported but is not an error.
func (s *Session) Deliver(b Box, m Message) (evicted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := s.box(b)
	if box == nil {
		return false, tekerr.New(tekerr.CodeInvalid, "unknown inbox %q", b)
	}
	return box.append(m), nil
}

// Pop removes and returns the oldest message from an inbox.
func (s *Session) Pop(b Box) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := s.box(b)
	if box == nil {
		return Message{}, false, tekerr.New(tekerr.CodeInvalid, "unknown inbox %q", b)
	}
	m, ok := box.pop()
	return m, ok, nil
}

// Push appends a message to the keep inbox.
func (s *Session) Push(m Message) (evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keep.append(m)
}

// Read returns the contents of an inbox oldest-first. With remove set the
// inbox is drained.
func (s *Session) Read(b Box, remove bool) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := s.box(b)
	if box == nil {
		return nil, tekerr.New(tekerr.CodeInvalid, "unknown inbox %q", b)
	}
	msgs := box.snapshot()
	if remove {
		box.clear()
	}
	return msgs, nil
}

// Counts reports queue depth and overflow count per inbox.
func (s *Session) Counts() map[Box]struct{ Len, Overflow int } {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Box]struct{ Len, Overflow int }, 3)
	for _, b := range []Box{BoxPrompt, BoxNew, BoxKeep} {
		box := s.box(b)
		out[b] = struct{ Len, Overflow int }{len(box.msgs), int(box.overflow)}
	}
	return out
}

func (s *Session) hasPurpose(tag string) bool {
	for _, p := range s.Purposes {
		if p == tag {
			return true
		}
	}
	return false
}

// Manager is the in-process directory of attached terminals. It implements
// cireg.TerminalDirectory so forward targets can be validated against live
// sessions.
type Manager struct {
	logger *slog.Logger
	caps   Caps

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithCaps overrides the mailbox bounds.
func WithCaps(caps Caps) Option {
	return func(m *Manager) { m.caps = caps }
}

// NewManager builds an empty terminal directory.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:   slog.Default(),
		caps:     DefaultCaps,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach registers a terminal session. The id must be unused.
func (m *Manager) Attach(terminalID, name string, purposes []string) (*Session, error) {
	if terminalID == "" {
		return nil, tekerr.New(tekerr.CodeInvalid, "terminal id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[terminalID]; ok {
		return nil, tekerr.New(tekerr.CodeConflict, "terminal %q already attached", terminalID)
	}
	s := &Session{
		TerminalID: terminalID,
		Name:       name,
		Purposes:   purposes,
		AttachedAt: time.Now(),
		prompt:     inbox{cap: m.caps.Prompt},
		new:        inbox{cap: m.caps.New},
		keep:       inbox{cap: m.caps.Keep},
	}
	m.sessions[terminalID] = s
	m.logger.Info("Terminal attached", "terminal", terminalID, "name", name)
	return s, nil
}

// Detach removes a session. Its mailboxes are discarded.
func (m *Manager) Detach(terminalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[terminalID]; !ok {
		return tekerr.New(tekerr.CodeUnknownTerminal, "no terminal %q", terminalID)
	}
	delete(m.sessions, terminalID)
	m.logger.Info("Terminal detached", "terminal", terminalID)
	return nil
}

// Get returns an attached session.
func (m *Manager) Get(terminalID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[terminalID]
	if !ok {
		return nil, tekerr.New(tekerr.CodeUnknownTerminal, "no terminal %q", terminalID)
	}
	return s, nil
}

// HasTerminal reports whether a terminal is attached.
func (m *Manager) HasTerminal(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// SessionInfo is the listing row for one terminal.
type SessionInfo struct {
	TerminalID string    `json:"terminal_id"`
	Name       string    `json:"name"`
	Purposes   []string  `json:"purposes,omitempty"`
	AttachedAt time.Time `json:"attached_at"`
}

// List returns attached terminals sorted by id.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			TerminalID: s.TerminalID,
			Name:       s.Name,
			Purposes:   s.Purposes,
			AttachedAt: s.AttachedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TerminalID < out[j].TerminalID })
	return out
}

// Deliver routes a message to one terminal's inbox.
func (m *Manager) Deliver(terminalID string, b Box, msg Message) error {
	s, err := m.Get(terminalID)
	if err != nil {
		return err
	}
	evicted, err := s.Deliver(b, msg)
	if err != nil {
		return err
	}
	if evicted {
		m.logger.Warn("Inbox overflow, oldest message evicted",
			"terminal", terminalID, "inbox", string(b))
	}
	return nil
}

// Broadcast duplicates a message into every other terminal's new inbox, or
// the prompt inbox when high-priority. Returns the recipient count.
func (m *Manager) Broadcast(from, body string, highPriority bool) int {
	box := BoxNew
	routing := "broadcast"
	if highPriority {
		box = BoxPrompt
		routing = "prompt"
	}

	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if id == from {
			continue
		}
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		msg := NewMessage(from, routing, body)
		if evicted, _ := s.Deliver(box, msg); evicted {
			m.logger.Warn("Inbox overflow during broadcast",
				"terminal", s.TerminalID, "inbox", string(box))
		}
	}
	return len(targets)
}

// DeliverPurpose sends a message to every terminal tagged with the purpose.
// Returns the recipient count.
func (m *Manager) DeliverPurpose(purpose, from, body string) int {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if id == from || !s.hasPurpose(purpose) {
			continue
		}
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		msg := NewMessage(from, "@"+purpose, body)
		if evicted, _ := s.Deliver(BoxNew, msg); evicted {
			m.logger.Warn("Inbox overflow during purpose delivery",
				"terminal", s.TerminalID, "purpose", purpose)
		}
	}
	return len(targets)
}
