package terma

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

func TestAttachDetach(t *testing.T) {
	m := NewManager()

	s, err := m.Attach("term-A", "alice", []string{"coding"})
	require.NoError(t, err)
	assert.Equal(t, "term-A", s.TerminalID)
	assert.True(t, m.HasTerminal("term-A"))

	_, err = m.Attach("term-A", "bob", nil)
	assert.True(t, tekerr.Is(err, tekerr.CodeConflict))

	require.NoError(t, m.Detach("term-A"))
	assert.False(t, m.HasTerminal("term-A"))

	err = m.Detach("term-A")
	assert.True(t, tekerr.Is(err, tekerr.CodeUnknownTerminal))
}

func TestDeliverPopRead(t *testing.T) {
	m := NewManager()
	s, err := m.Attach("term-A", "alice", nil)
	require.NoError(t, err)

	require.NoError(t, m.Deliver("term-A", BoxNew, NewMessage("term-B", "direct", "first")))
	require.NoError(t, m.Deliver("term-A", BoxNew, NewMessage("term-B", "direct", "second")))

	msg, ok, err := s.Pop(BoxNew)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", msg.Body, "pop returns the oldest")

	err = m.Deliver("term-Z", BoxNew, NewMessage("term-B", "direct", "lost"))
	assert.True(t, tekerr.Is(err, tekerr.CodeUnknownTerminal))

	// keep is non-destructive unless remove is passed.
	s.Push(NewMessage("term-A", "push", "saved"))
	kept, err := s.Read(BoxKeep, false)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	kept, err = s.Read(BoxKeep, true)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	kept, err = s.Read(BoxKeep, false)
	require.NoError(t, err)
	assert.Empty(t, kept)
}

func TestInboxAtCapacityEvictsExactlyOldest(t *testing.T) {
	m := NewManager(WithCaps(Caps{Prompt: 2, New: 3, Keep: 2}))
	s, err := m.Attach("term-A", "alice", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		evicted, err := s.Deliver(BoxNew, NewMessage("x", "direct", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		assert.False(t, evicted)
	}

	evicted, err := s.Deliver(BoxNew, NewMessage("x", "direct", "m3"))
	require.NoError(t, err)
	assert.True(t, evicted)

	msgs, err := s.Read(BoxNew, false)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].Body, "exactly the oldest was evicted")
	assert.Equal(t, "m3", msgs[2].Body)

	counts := s.Counts()
	assert.Equal(t, 1, counts[BoxNew].Overflow)
	assert.Equal(t, 0, counts[BoxPrompt].Overflow)
}

func TestBroadcast(t *testing.T) {
	m := NewManager()
	_, err := m.Attach("term-A", "alice", nil)
	require.NoError(t, err)
	b, err := m.Attach("term-B", "bob", nil)
	require.NoError(t, err)
	c, err := m.Attach("term-C", "carol", nil)
	require.NoError(t, err)

	n := m.Broadcast("term-A", "standup in 5", false)
	assert.Equal(t, 2, n, "sender excluded")

	for _, s := range []*Session{b, c} {
		msgs, err := s.Read(BoxNew, false)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "broadcast", msgs[0].Routing)
		assert.Equal(t, "term-A", msgs[0].From)
	}

	// High-priority broadcasts land in prompt.
	m.Broadcast("term-A", "drop everything", true)
	msgs, err := b.Read(BoxPrompt, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "prompt", msgs[0].Routing)
}

func TestDeliverPurpose(t *testing.T) {
	m := NewManager()
	_, err := m.Attach("term-A", "alice", []string{"coding"})
	require.NoError(t, err)
	b, err := m.Attach("term-B", "bob", []string{"coding", "review"})
	require.NoError(t, err)
	c, err := m.Attach("term-C", "carol", []string{"docs"})
	require.NoError(t, err)

	n := m.DeliverPurpose("coding", "term-A", "who owns the parser?")
	assert.Equal(t, 1, n)

	msgs, err := b.Read(BoxNew, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "@coding", msgs[0].Routing)

	msgs, err = c.Read(BoxNew, false)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListSorted(t *testing.T) {
	m := NewManager()
	for _, id := range []string{"term-C", "term-A", "term-B"} {
		_, err := m.Attach(id, id, nil)
		require.NoError(t, err)
	}
	infos := m.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "term-A", infos[0].TerminalID)
	assert.Equal(t, "term-C", infos[2].TerminalID)
}
