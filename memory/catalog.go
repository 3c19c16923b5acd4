package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ckoons/Tekton-sub017/config"
	"github.com/ckoons/Tekton-sub017/storage"
	"github.com/ckoons/Tekton-sub017/tekerr"
)

// GlobalScope is the shared catalog visible to every CI.
const GlobalScope = "global"

// catalog is one scope's item set. Reads are concurrent; writes serialize on
// the scope's own lock.
type catalog struct {
	mu      sync.RWMutex
	items   []*Item
	nextSeq uint64
}

// persisted is the catalog.json shape.
type persisted struct {
	Items   []*Item `json:"items"`
	NextSeq uint64  `json:"next_seq"`
}

// Manager owns the per-CI and global memory catalogs.
type Manager struct {
	cfg     config.MemoryConfig
	logger  *slog.Logger
	now     func() time.Time
	dirFor  func(ci string) string
	counter *Counter

	mu       sync.Mutex
	catalogs map[string]*catalog
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a catalog manager. dirFor maps a CI name to its state
// directory (config.MemoryDir); counter prices content for the target model.
func NewManager(cfg config.MemoryConfig, dirFor func(ci string) string, counter *Counter, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		dirFor:   dirFor,
		counter:  counter,
		catalogs: make(map[string]*catalog),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) catalogPath(scope string) string {
	return filepath.Join(m.dirFor(scope), "catalog.json")
}

// scopeCatalog loads (once) and returns one scope's catalog.
func (m *Manager) scopeCatalog(scope string) (*catalog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.catalogs[scope]; ok {
		return c, nil
	}

	c := &catalog{nextSeq: 1}
	var p persisted
	err := storage.ReadJSON(m.catalogPath(scope), &p)
	switch {
	case err == nil:
		c.items = p.Items
		c.nextSeq = p.NextSeq
		if c.nextSeq == 0 {
			c.nextSeq = 1
		}
	case errors.Is(err, storage.ErrNotFound):
		// Fresh scope.
	default:
		return nil, fmt.Errorf("load catalog %s: %w", scope, err)
	}
	m.catalogs[scope] = c
	return c, nil
}

func (m *Manager) saveLocked(scope string, c *catalog) error {
	p := persisted{Items: c.items, NextSeq: c.nextSeq}
	if err := storage.WriteJSON(m.catalogPath(scope), p); err != nil {
		return tekerr.Wrap(tekerr.CodePersistenceFailure, err)
	}
	return nil
}

// Add inserts an item into a scope's catalog, pricing its content and
// assigning the next sequence number. A full catalog evicts expired
// lowest-score items first, then non-permanent lowest-score items.
func (m *Manager) Add(scope string, item Item) (*Item, error) {
	if scope == "" {
		return nil, tekerr.New(tekerr.CodeInvalid, "catalog scope is required")
	}
	if !validKind(item.Kind) {
		return nil, tekerr.New(tekerr.CodeInvalid, "unknown memory kind %q", item.Kind)
	}
	if item.Priority < 0 || item.Priority > 10 {
		return nil, tekerr.New(tekerr.CodeInvalid, "priority %d out of range 0..10", item.Priority)
	}

	c, err := m.scopeCatalog(scope)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now()
	}
	item.Tokens = m.counter.Count(item.Content)
	item.SummaryTokens = m.counter.Count(item.Summary)
	item.Seq = c.nextSeq
	c.nextSeq++

	if m.cfg.MaxMemoriesPerCI > 0 && len(c.items) >= m.cfg.MaxMemoriesPerCI {
		if !m.evictLocked(c, scope) {
			return nil, tekerr.New(tekerr.CodeCatalogFull,
				"catalog %s is full and nothing is evictable", scope)
		}
	}

	c.items = append(c.items, &item)
	if err := m.saveLocked(scope, c); err != nil {
		return nil, err
	}
	return &item, nil
}

// evictLocked drops one item: the lowest-score expired item when any exist,
// otherwise the lowest-score non-permanent item. Reports whether an eviction
// happened.
func (m *Manager) evictLocked(c *catalog, scope string) bool {
	now := m.now()
	score := func(it *Item) float64 {
		return Relevance(it, scope, nil, now, m.cfg.HalfLifeHours)
	}

	pick := -1
	pickExpired := false
	for i, it := range c.items {
		expired := it.Expired(now)
		permanent := it.Priority >= m.cfg.PermanentPriority
		if !expired && permanent {
			continue
		}
		if pick == -1 ||
			(expired && !pickExpired) ||
			(expired == pickExpired && score(it) < score(c.items[pick])) {
			pick = i
			pickExpired = expired
		}
	}
	if pick == -1 {
		return false
	}

	m.logger.Debug("Evicting memory item",
		"scope", scope, "item", c.items[pick].ID, "expired", pickExpired)
	c.items = append(c.items[:pick], c.items[pick+1:]...)
	return true
}

// Inject selects and packs the injection block for a CI's next outbound
// turn: per-CI and global candidates scored, packed greedily into the token
// budget, and rendered deterministically.
func (m *Manager) Inject(ciName string, contextTags []string) (*Injection, error) {
	budget := m.cfg.MaxInjectionTokens
	if budget <= 0 {
		budget = 2000
	}
	now := m.now()

	var candidates []candidate
	for _, scope := range []string{ciName, GlobalScope} {
		c, err := m.scopeCatalog(scope)
		if err != nil {
			return nil, err
		}
		c.mu.RLock()
		for _, it := range c.items {
			if it.Expired(now) {
				continue
			}
			candidates = append(candidates, candidate{
				item:  it,
				score: Relevance(it, ciName, contextTags, now, m.cfg.HalfLifeHours),
			})
		}
		c.mu.RUnlock()
	}

	selected := pack(candidates, budget)
	total := 0
	for _, s := range selected {
		total += s.Tokens
	}
	return &Injection{
		Items:       selected,
		TotalTokens: total,
		Rendered:    render(selected),
	}, nil
}

// ItemsSince lists a scope's items created after t, newest last. Sunrise
// uses it to brief a waking CI on what happened while it rested.
func (m *Manager) ItemsSince(scope string, t time.Time) ([]*Item, error) {
	c, err := m.scopeCatalog(scope)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Item
	for _, it := range c.items {
		if it.CreatedAt.After(t) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Sweep removes expired items across loaded scopes, sparing permanent
// priorities. Returns the number removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	scopes := make(map[string]*catalog, len(m.catalogs))
	for scope, c := range m.catalogs {
		scopes[scope] = c
	}
	m.mu.Unlock()

	now := m.now()
	removed := 0
	for scope, c := range scopes {
		c.mu.Lock()
		kept := c.items[:0]
		for _, it := range c.items {
			if it.Expired(now) && it.Priority < m.cfg.PermanentPriority {
				removed++
				continue
			}
			kept = append(kept, it)
		}
		c.items = kept
		if err := m.saveLocked(scope, c); err != nil {
			m.logger.Warn("Failed to persist catalog after sweep", "scope", scope, "error", err)
		}
		c.mu.Unlock()
	}
	if removed > 0 {
		m.logger.Info("Memory sweep completed", "removed", removed)
	}
	return removed
}

// RunSweeper sweeps on the configured interval until the context ends.
func (m *Manager) RunSweeper(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
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
