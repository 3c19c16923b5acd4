package memory

import (
	"sync"

	"github.com/ckoons/Tekton-sub017/config"
	"github.com/ckoons/Tekton-sub017/tekerr"
)

// Level classifies a CI/model pair's budget position.
type Level string

const (
	LevelOK     Level = "ok"
	LevelSoft   Level = "soft"
	LevelSunset Level = "sunset"
	LevelHard   Level = "hard"
)

// Budget tracks token consumption for one CI/model pair.
type Budget struct {
	CIName        string `json:"ci_name"`
	Model         string `json:"model"`
	HardLimit     int    `json:"hard_limit"`
	CurrentTokens int    `json:"current_tokens"`
}

// Level classifies the current position against the thresholds.
func (b *Budget) Level(cfg config.MemoryConfig) Level {
	if b.HardLimit <= 0 {
		return LevelOK
	}
	ratio := float64(b.CurrentTokens) / float64(b.HardLimit)
	switch {
	case ratio >= cfg.HardThreshold:
		return LevelHard
	case ratio >= cfg.SunsetThreshold:
		return LevelSunset
	case ratio >= cfg.SoftThreshold:
		return LevelSoft
	}
	return LevelOK
}

type budgetKey struct{ ci, model string }

// Ledger is the per-CI/model budget table. After every turn the caller
// consumes the tokens spent; summarization and sunset release tokens back.
type Ledger struct {
	cfg config.MemoryConfig

	mu      sync.Mutex
	budgets map[budgetKey]*Budget
}

// NewLedger builds an empty ledger.
func NewLedger(cfg config.MemoryConfig) *Ledger {
	return &Ledger{cfg: cfg, budgets: make(map[budgetKey]*Budget)}
}

// Track registers (or updates) a CI/model pair's hard limit.
func (l *Ledger) Track(ci, model string, hardLimit int) *Budget {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := budgetKey{ci, model}
	b, ok := l.budgets[key]
	if !ok {
		b = &Budget{CIName: ci, Model: model}
		l.budgets[key] = b
	}
	b.HardLimit = hardLimit
	return b
}

// Consume records tokens spent in a turn and returns the resulting level.
// Breaching the hard threshold is a hard error surfaced to the caller.
func (l *Ledger) Consume(ci, model string, tokens int) (Level, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[budgetKey{ci, model}]
	if !ok {
		return LevelOK, tekerr.New(tekerr.CodeNotFound, "no budget tracked for %s/%s", ci, model)
	}
	b.CurrentTokens += tokens
	level := b.Level(l.cfg)
	if level == LevelHard {
		return level, tekerr.New(tekerr.CodeContextExhausted,
			"%s/%s at %d of %d tokens", ci, model, b.CurrentTokens, b.HardLimit)
	}
	return level, nil
}

// Release returns tokens dropped through summarization or sunset.
func (l *Ledger) Release(ci, model string, tokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.budgets[budgetKey{ci, model}]; ok {
		b.CurrentTokens -= tokens
		if b.CurrentTokens < 0 {
			b.CurrentTokens = 0
		}
	}
}

// Get returns a copy of the tracked budget, if any.
func (l *Ledger) Get(ci, model string) (Budget, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[budgetKey{ci, model}]
	if !ok {
		return Budget{}, false
	}
	return *b, true
}
