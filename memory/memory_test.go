package memory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub017/cireg"
	"github.com/ckoons/Tekton-sub017/config"
	"github.com/ckoons/Tekton-sub017/tekerr"
)

func testMemoryConfig() config.MemoryConfig {
	return config.DefaultConfig().Memory
}

func newTestManager(t *testing.T, cfg config.MemoryConfig, now func() time.Time) *Manager {
	t.Helper()
	root := t.TempDir()
	dirFor := func(ci string) string { return filepath.Join(root, ci) }
	opts := []ManagerOption{}
	if now != nil {
		opts = append(opts, WithClock(now))
	}
	// No model name: the deterministic word-based fallback prices content.
	return NewManager(cfg, dirFor, NewCounter(""), opts...)
}

func TestFallbackTokenCount(t *testing.T) {
	c := NewCounter("")
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 3, c.Count("one two"))          // ceil(2 * 1.3)
	assert.Equal(t, 13, c.Count(wordsN(10)))        // 10 * 1.3 exactly
	assert.Equal(t, 132, c.Count(wordsN(100)+" x")) // ceil(101 * 1.3)
}

func wordsN(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += " "
		}
		s += "w"
	}
	return s
}

func TestRelevanceScore(t *testing.T) {
	now := time.Now()
	it := &Item{
		CISource:  "apollo",
		Tags:      []string{"auth", "api"},
		Priority:  10,
		CreatedAt: now,
	}

	// Fresh own-CI item with full tag overlap and max priority scores 1.0.
	score := Relevance(it, "apollo", []string{"auth", "api"}, now, 168)
	assert.InDelta(t, 1.0, score, 0.001)

	// A week-old item's recency component halves to e^-1.
	old := *it
	old.CreatedAt = now.Add(-168 * time.Hour)
	scoreOld := Relevance(&old, "apollo", []string{"auth", "api"}, now, 168)
	assert.Less(t, scoreOld, score)

	// Foreign CI with no tags in common only keeps recency + priority.
	score = Relevance(it, "athena", nil, now, 168)
	assert.InDelta(t, 0.3+0.1, score, 0.001)
}

func TestGreedyPackingWithSummarySubstitution(t *testing.T) {
	m1 := &Item{ID: "M1", Seq: 1, Tokens: 60, SummaryTokens: 20, Content: "m1", Summary: "s1"}
	m2 := &Item{ID: "M2", Seq: 2, Tokens: 50, SummaryTokens: 15, Content: "m2", Summary: "s2"}
	m3 := &Item{ID: "M3", Seq: 3, Tokens: 30, Content: "m3"}

	selected := pack([]candidate{
		{item: m1, score: 0.9},
		{item: m2, score: 0.8},
		{item: m3, score: 0.7},
	}, 100)

	require.Len(t, selected, 2)
	assert.Equal(t, "M1", selected[0].Item.ID)
	assert.False(t, selected[0].UsedSummary)
	assert.Equal(t, 60, selected[0].Tokens)
	assert.Equal(t, "M2", selected[1].Item.ID)
	assert.True(t, selected[1].UsedSummary, "M2 falls back to its summary")
	assert.Equal(t, 15, selected[1].Tokens)

	total := selected[0].Tokens + selected[1].Tokens
	assert.Equal(t, 75, total)
}

func TestPackBoundaryExactFit(t *testing.T) {
	just := &Item{ID: "A", Seq: 1, Tokens: 100, SummaryTokens: 10}
	selected := pack([]candidate{{item: just, score: 0.5}}, 100)
	require.Len(t, selected, 1)
	assert.False(t, selected[0].UsedSummary, "exact fit uses full content")

	over := &Item{ID: "B", Seq: 1, Tokens: 101, SummaryTokens: 10}
	selected = pack([]candidate{{item: over, score: 0.5}}, 100)
	require.Len(t, selected, 1)
	assert.True(t, selected[0].UsedSummary, "one token over substitutes the summary")
}

func TestEqualScoresBreakOnSequence(t *testing.T) {
	a := &Item{ID: "later", Seq: 2, Tokens: 60}
	b := &Item{ID: "earlier", Seq: 1, Tokens: 60}
	selected := pack([]candidate{{item: a, score: 0.5}, {item: b, score: 0.5}}, 60)
	require.Len(t, selected, 1)
	assert.Equal(t, "earlier", selected[0].Item.ID)
}

func TestInjectRespectsBudgetInvariant(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.MaxInjectionTokens = 50
	m := newTestManager(t, cfg, nil)

	for i := 0; i < 5; i++ {
		_, err := m.Add("apollo", Item{
			Kind:    KindInsight,
			Content: wordsN(20), // 26 tokens each
			Summary: wordsN(5),
		})
		require.NoError(t, err)
	}

	inj, err := m.Inject("apollo", nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, inj.TotalTokens, 50)
	assert.NotEmpty(t, inj.Items)
}

func TestInjectIsDeterministic(t *testing.T) {
	m := newTestManager(t, testMemoryConfig(), nil)
	for i, content := range []string{"alpha beta", "gamma delta", "epsilon zeta"} {
		_, err := m.Add("apollo", Item{
			Kind:     KindContext,
			Content:  content,
			Summary:  "s",
			Priority: i,
		})
		require.NoError(t, err)
	}

	first, err := m.Inject("apollo", []string{"x"})
	require.NoError(t, err)
	second, err := m.Inject("apollo", []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, first.Rendered, second.Rendered)
}

func TestCatalogEvictionOrder(t *testing.T) {
	now := time.Now()
	cfg := testMemoryConfig()
	cfg.MaxMemoriesPerCI = 2
	m := newTestManager(t, cfg, func() time.Time { return now })

	past := now.Add(-time.Hour)
	_, err := m.Add("apollo", Item{ID: "expired", Kind: KindContext,
		Content: "old", ExpiresAt: &past})
	require.NoError(t, err)
	_, err = m.Add("apollo", Item{ID: "fresh", Kind: KindContext, Content: "new"})
	require.NoError(t, err)

	// Third insert evicts the expired item first.
	_, err = m.Add("apollo", Item{ID: "third", Kind: KindContext, Content: "x"})
	require.NoError(t, err)

	inj, err := m.Inject("apollo", nil)
	require.NoError(t, err)
	for _, s := range inj.Items {
		assert.NotEqual(t, "expired", s.Item.ID)
	}
}

func TestCatalogFullWhenAllPermanent(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.MaxMemoriesPerCI = 1
	m := newTestManager(t, cfg, nil)

	_, err := m.Add("apollo", Item{Kind: KindDecision, Content: "keep", Priority: 9})
	require.NoError(t, err)

	_, err = m.Add("apollo", Item{Kind: KindDecision, Content: "more", Priority: 9})
	assert.True(t, tekerr.Is(err, tekerr.CodeCatalogFull))
}

func TestSweepSparesPermanentItems(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, testMemoryConfig(), func() time.Time { return now })

	past := now.Add(-time.Minute)
	_, err := m.Add("apollo", Item{Kind: KindContext, Content: "gone", ExpiresAt: &past})
	require.NoError(t, err)
	_, err = m.Add("apollo", Item{Kind: KindDecision, Content: "stays",
		Priority: 8, ExpiresAt: &past})
	require.NoError(t, err)

	assert.Equal(t, 1, m.Sweep())

	items, err := m.ItemsSince("apollo", time.Time{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 8, items[0].Priority)
}

func TestSequenceNumbersAreMonotonic(t *testing.T) {
	m := newTestManager(t, testMemoryConfig(), nil)
	var last uint64
	for i := 0; i < 5; i++ {
		it, err := m.Add("apollo", Item{Kind: KindContext, Content: "x"})
		require.NoError(t, err)
		assert.Greater(t, it.Seq, last)
		last = it.Seq
	}
}

func TestBudgetLedgerThresholds(t *testing.T) {
	cfg := testMemoryConfig()
	ledger := NewLedger(cfg)
	ledger.Track("metis", "m1", 100000)

	level, err := ledger.Consume("metis", "m1", 60000)
	require.NoError(t, err)
	assert.Equal(t, LevelOK, level)

	level, err = ledger.Consume("metis", "m1", 12000) // 72%
	require.NoError(t, err)
	assert.Equal(t, LevelSoft, level)

	level, err = ledger.Consume("metis", "m1", 10000) // 82%
	require.NoError(t, err)
	assert.Equal(t, LevelSunset, level)

	level, err = ledger.Consume("metis", "m1", 14000) // 96%
	assert.Equal(t, LevelHard, level)
	assert.True(t, tekerr.Is(err, tekerr.CodeContextExhausted))

	ledger.Release("metis", "m1", 50000)
	b, ok := ledger.Get("metis", "m1")
	require.True(t, ok)
	assert.Equal(t, 46000, b.CurrentTokens)
}

func newTestSupervisor(t *testing.T, m *Manager) (*Supervisor, *cireg.Registry, *Ledger) {
	t.Helper()
	cfg := testMemoryConfig()
	cis, err := cireg.Load(filepath.Join(t.TempDir(), "ci_registry.json"))
	require.NoError(t, err)
	ledger := NewLedger(cfg)
	sup, err := NewSupervisor(cfg, cis, ledger, m, nil)
	require.NoError(t, err)
	return sup, cis, ledger
}

func TestSunsetSunriseLifecycle(t *testing.T) {
	m := newTestManager(t, testMemoryConfig(), nil)
	sup, cis, ledger := newTestSupervisor(t, m)

	require.NoError(t, cis.Put(cireg.Entry{Name: "metis", Kind: cireg.KindGreekChorus}))
	ledger.Track("metis", "m1", 100000)
	_, err := ledger.Consume("metis", "m1", 82000)
	require.NoError(t, err)

	assert.True(t, sup.NeedsSunset("metis", "m1"))

	require.NoError(t, sup.CompleteSunset("metis", "working on auth flow, next: token refresh"))
	entry, err := cis.Get("metis")
	require.NoError(t, err)
	assert.Equal(t, cireg.SunsetAsleep, entry.SunsetState)

	// Catalog activity while the CI rests feeds the sunrise delta.
	_, err = m.Add("metis", Item{Kind: KindDecision, Content: "switched to jwt",
		Summary: "auth now uses jwt"})
	require.NoError(t, err)

	msg, err := sup.Sunrise("metis")
	require.NoError(t, err)
	assert.Contains(t, msg, "working on auth flow")
	assert.Contains(t, msg, "auth now uses jwt")

	entry, err = cis.Get("metis")
	require.NoError(t, err)
	assert.Equal(t, cireg.SunsetAwake, entry.SunsetState)
	assert.Equal(t, msg, entry.NextPrompt)

	// Sunrise without an intervening sunset is a no-op.
	again, err := sup.Sunrise("metis")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSunriseWithoutContextKeepsCIAsleep(t *testing.T) {
	m := newTestManager(t, testMemoryConfig(), nil)
	sup, cis, _ := newTestSupervisor(t, m)

	require.NoError(t, cis.Put(cireg.Entry{Name: "metis", Kind: cireg.KindGreekChorus,
		SunsetState: cireg.SunsetAsleep}))

	_, err := sup.Sunrise("metis")
	assert.True(t, tekerr.Is(err, tekerr.CodeSunriseWithoutContext))

	entry, err := cis.Get("metis")
	require.NoError(t, err)
	assert.Equal(t, cireg.SunsetAsleep, entry.SunsetState, "no silent data loss")
}

func TestSunsetAutoDetection(t *testing.T) {
	m := newTestManager(t, testMemoryConfig(), nil)
	sup, _, _ := newTestSupervisor(t, m)

	assert.True(t, sup.DetectSunset("SUNSET_PROTOCOL: here is my working state"))
	assert.True(t, sup.DetectSunset("  [sunset] wrapping up"))
	assert.False(t, sup.DetectSunset("ordinary reply about sunsets"))
}
