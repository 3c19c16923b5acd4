package cireg

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

type fakeTerminals map[string]bool

func (f fakeTerminals) HasTerminal(id string) bool { return f[id] }

func newTestRegistry(t *testing.T, terminals fakeTerminals) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ci_registry.json")
	r, err := Load(path, WithTerminalDirectory(terminals))
	require.NoError(t, err)
	return r
}

func TestPutGetRemove(t *testing.T) {
	r := newTestRegistry(t, fakeTerminals{})

	require.NoError(t, r.Put(Entry{Name: "apollo", Kind: KindGreekChorus, Component: "apollo"}))
	require.NoError(t, r.Put(Entry{Name: "term-A", Kind: KindTerminal}))

	e, err := r.Get("apollo")
	require.NoError(t, err)
	assert.Equal(t, KindGreekChorus, e.Kind)
	assert.Equal(t, SunsetAwake, e.SunsetState)

	_, err = r.Get("nope")
	assert.True(t, tekerr.Is(err, tekerr.CodeUnknownCI))

	chorus := r.ListByKind(KindGreekChorus)
	require.Len(t, chorus, 1)
	assert.Equal(t, "apollo", chorus[0].Name)

	require.NoError(t, r.Remove("apollo"))
	_, err = r.Get("apollo")
	assert.True(t, tekerr.Is(err, tekerr.CodeUnknownCI))
}

func TestPutValidation(t *testing.T) {
	r := newTestRegistry(t, fakeTerminals{})

	err := r.Put(Entry{Kind: KindProject})
	assert.True(t, tekerr.Is(err, tekerr.CodeInvalid))

	err = r.Put(Entry{Name: "x", Kind: "sprite"})
	assert.True(t, tekerr.Is(err, tekerr.CodeInvalid))
}

func TestForwardLifecycle(t *testing.T) {
	terminals := fakeTerminals{"term-A": true}
	r := newTestRegistry(t, terminals)
	require.NoError(t, r.Put(Entry{Name: "apollo", Kind: KindGreekChorus}))

	// Forward to a non-existent terminal is refused.
	err := r.SetForward("apollo", "term-B", false)
	assert.True(t, tekerr.Is(err, tekerr.CodeUnknownTerminal))

	require.NoError(t, r.SetForward("apollo", "term-A", true))

	fw, ok := r.ResolveForward("apollo")
	require.True(t, ok)
	assert.Equal(t, "term-A", fw.TerminalID)
	assert.True(t, fw.JSON)

	rules := r.Forwards()
	require.Len(t, rules, 1)
	assert.Equal(t, "apollo", rules[0].CIName)

	// Forwarding composition: unforward restores direct resolution.
	require.NoError(t, r.Unforward("apollo"))
	_, ok = r.ResolveForward("apollo")
	assert.False(t, ok)

	err = r.Unforward("apollo")
	assert.True(t, tekerr.Is(err, tekerr.CodeNotFound))
}

func TestForwardCycleDetection(t *testing.T) {
	terminals := fakeTerminals{"term-A": true, "term-B": true}
	r := newTestRegistry(t, terminals)
	require.NoError(t, r.Put(Entry{Name: "term-A", Kind: KindTerminal}))
	require.NoError(t, r.Put(Entry{Name: "term-B", Kind: KindTerminal}))

	err := r.SetForward("term-A", "term-A", false)
	assert.True(t, tekerr.Is(err, tekerr.CodeForwardingCycle))

	require.NoError(t, r.SetForward("term-A", "term-B", false))
	err = r.SetForward("term-B", "term-A", false)
	assert.True(t, tekerr.Is(err, tekerr.CodeForwardingCycle))
}

func TestDanglingForwardSkippedNotDropped(t *testing.T) {
	terminals := fakeTerminals{"term-A": true}
	r := newTestRegistry(t, terminals)
	require.NoError(t, r.Put(Entry{Name: "apollo", Kind: KindGreekChorus}))
	require.NoError(t, r.SetForward("apollo", "term-A", false))

	// Terminal exits.
	terminals["term-A"] = false

	_, ok := r.ResolveForward("apollo")
	assert.False(t, ok)
	assert.Len(t, r.Forwards(), 1, "rule stays in the table while the terminal is away")

	// Terminal comes back under the same id; the rule applies again.
	terminals["term-A"] = true
	fw, ok := r.ResolveForward("apollo")
	require.True(t, ok)
	assert.Equal(t, "term-A", fw.TerminalID)
}

func TestForwardSurvivesForeignProcessResolution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ci_registry.json")

	// Process A hosts term-A and term-X and registers the forwards.
	procA, err := Load(path, WithTerminalDirectory(fakeTerminals{"term-A": true, "term-X": true}))
	require.NoError(t, err)
	require.NoError(t, procA.EnsureTerminal("term-A"))
	require.NoError(t, procA.Put(Entry{Name: "apollo", Kind: KindGreekChorus}))
	require.NoError(t, procA.SetForward("apollo", "term-A", true))

	// Process B hosts only term-B. The shared terminal entry lets it honor
	// the rule rather than treat it as dangling.
	procB, err := Load(path, WithTerminalDirectory(fakeTerminals{"term-B": true}))
	require.NoError(t, err)
	fw, ok := procB.ResolveForward("apollo")
	require.True(t, ok)
	assert.Equal(t, "term-A", fw.TerminalID)
	assert.True(t, fw.JSON)

	// A session-only target (no shared entry) is skipped by process B, but
	// never erased from the shared file.
	require.NoError(t, procA.Put(Entry{Name: "hermes", Kind: KindGreekChorus}))
	require.NoError(t, procA.SetForward("hermes", "term-X", false))
	procB2, err := Load(path, WithTerminalDirectory(fakeTerminals{"term-B": true}))
	require.NoError(t, err)
	_, ok = procB2.ResolveForward("hermes")
	assert.False(t, ok)

	reloaded, err := Load(path, WithTerminalDirectory(fakeTerminals{"term-X": true}))
	require.NoError(t, err)
	fw, ok = reloaded.ResolveForward("hermes")
	require.True(t, ok, "skipping in one process must not delete the persisted rule")
	assert.Equal(t, "term-X", fw.TerminalID)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ci_registry.json")
	terminals := fakeTerminals{"term-A": true}

	r, err := Load(path, WithTerminalDirectory(terminals))
	require.NoError(t, err)
	require.NoError(t, r.Put(Entry{Name: "apollo", Kind: KindGreekChorus, Persona: "predictions"}))
	require.NoError(t, r.SetForward("apollo", "term-A", true))

	reopened, err := Load(path, WithTerminalDirectory(terminals))
	require.NoError(t, err)

	e, err := reopened.Get("apollo")
	require.NoError(t, err)
	assert.Equal(t, "predictions", e.Persona)

	fw, ok := reopened.ResolveForward("apollo")
	require.True(t, ok)
	assert.True(t, fw.JSON)
}
