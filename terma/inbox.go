package terma

import (
	"time"

	"github.com/google/uuid"
)

// Box names one of the three per-terminal mailboxes.
type Box string

const (
	BoxPrompt Box = "prompt"
	BoxNew    Box = "new"
	BoxKeep   Box = "keep"
)

// Caps bounds each mailbox. Oldest entries are evicted on overflow.
type Caps struct {
	Prompt int
	New    int
	Keep   int
}

// DefaultCaps are the standard mailbox bounds.
var DefaultCaps = Caps{Prompt: 50, New: 100, Keep: 50}

func (c Caps) of(box Box) int {
	switch box {
	case BoxPrompt:
		return c.Prompt
	case BoxNew:
		return c.New
	case BoxKeep:
		return c.Keep
	}
	return 0
}

// Message is one mailbox entry.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	Routing   string    `json:"routing"`
	Body      string    `json:"body"`
}

// NewMessage stamps a message with a fresh id and the current time.
func NewMessage(from, routing, body string) Message {
	return Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		From:      from,
		Routing:   routing,
		Body:      body,
	}
}

// inbox is a bounded FIFO queue. Not safe for concurrent use; the owning
// Session serializes access.
type inbox struct {
	cap      int
	msgs     []Message
	overflow uint64
}

// append adds a message, evicting exactly the oldest entry when full.
// Reports whether an eviction happened.
func (b *inbox) append(m Message) bool {
	evicted := false
	if b.cap > 0 && len(b.msgs) >= b.cap {
		b.msgs = b.msgs[1:]
		b.overflow++
		evicted = true
	}
	b.msgs = append(b.msgs, m)
	return evicted
}

// pop removes and returns the oldest message.
func (b *inbox) pop() (Message, bool) {
	if len(b.msgs) == 0 {
		return Message{}, false
	}
	m := b.msgs[0]
	b.msgs = b.msgs[1:]
	return m, true
}

// snapshot copies the queue oldest-first.
func (b *inbox) snapshot() []Message {
	out := make([]Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

func (b *inbox) clear() { b.msgs = nil }
