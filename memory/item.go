// Package memory implements the context/memory core: token accounting per
// CI/model pair, a bounded memory catalog with relevance-scored injection
// packing, and the sunset/sunrise protocol.
package memory

import (
	"time"
)

// Kind classifies a memory item.
type Kind string

const (
	KindDecision Kind = "decision"
	KindInsight  Kind = "insight"
	KindContext  Kind = "context"
	KindError    Kind = "error"
	KindPlan     Kind = "plan"
)

func validKind(k Kind) bool {
	switch k {
	case KindDecision, KindInsight, KindContext, KindError, KindPlan:
		return true
	}
	return false
}

// Item is one catalog entry. Tokens is the cost of Content computed at
// insert time; SummaryTokens the cost of Summary.
type Item struct {
	ID            string     `json:"id"`
	CISource      string     `json:"ci_source"`
	Kind          Kind       `json:"kind"`
	Summary       string     `json:"summary"`
	Content       string     `json:"content"`
	Tokens        int        `json:"tokens"`
	SummaryTokens int        `json:"summary_tokens,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Priority      int        `json:"priority"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	References    []string   `json:"references,omitempty"`

	// Seq is the monotonic per-catalog insertion number, used to tie-break
	// equal scores.
	Seq uint64 `json:"seq"`
}

// Expired reports whether the item is past its expiry at t.
func (it *Item) Expired(t time.Time) bool {
	return it.ExpiresAt != nil && !t.Before(*it.ExpiresAt)
}
