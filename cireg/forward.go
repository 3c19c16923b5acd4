package cireg

import (
	"sort"
	"time"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

// SetForward creates or replaces a forwarding rule ci -> terminal. The
// terminal must be known — a terminal entry in the shared registry file or a
// live session in this process — and the new rule must not close a
// forwarding cycle.
func (r *Registry) SetForward(ciName, terminalID string, json bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[ciName]; !ok {
		return tekerr.New(tekerr.CodeUnknownCI, "no CI named %q", ciName)
	}
	if !r.knownTerminalLocked(terminalID) {
		return tekerr.New(tekerr.CodeUnknownTerminal, "no terminal %q", terminalID)
	}
	if ciName == terminalID {
		return tekerr.New(tekerr.CodeForwardingCycle, "%q cannot forward to itself", ciName)
	}
	if r.closesCycleLocked(ciName, terminalID) {
		return tekerr.New(tekerr.CodeForwardingCycle,
			"forward %s -> %s would close a loop", ciName, terminalID)
	}

	r.forwards[ciName] = Forward{TerminalID: terminalID, JSON: json, CreatedAt: time.Now()}
	return r.saveLocked()
}

// Unforward removes the forwarding rule for a CI.
func (r *Registry) Unforward(ciName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.forwards[ciName]; !ok {
		return tekerr.New(tekerr.CodeNotFound, "no forward for %q", ciName)
	}
	delete(r.forwards, ciName)
	return r.saveLocked()
}

// ForwardRule is one row of the forwarding table listing.
type ForwardRule struct {
	CIName string `json:"ci_name"`
	Forward
}

// Forwards lists the forwarding table sorted by CI name.
func (r *Registry) Forwards() []ForwardRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ForwardRule, 0, len(r.forwards))
	for name, fw := range r.forwards {
		out = append(out, ForwardRule{CIName: name, Forward: fw})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CIName < out[j].CIName })
	return out
}

// ResolveForward returns the active forward for a CI, if any. A forward
// whose terminal is not currently known is skipped with a warning; the rule
// stays in the shared table, so a process that does know the terminal (or a
// later session with the same id) still honors it. Only Unforward and Remove
// delete rules.
func (r *Registry) ResolveForward(ciName string) (*Forward, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fw, ok := r.forwards[ciName]
	if !ok {
		return nil, false
	}
	if !r.knownTerminalLocked(fw.TerminalID) {
		r.logger.Warn("Forward target terminal unknown here, skipping rule",
			"ci", ciName, "terminal", fw.TerminalID)
		return nil, false
	}
	return &fw, true
}

// knownTerminalLocked reports whether a terminal id is registered: a terminal
// entry in the shared file, or a live session in this process. Callers hold
// at least the read lock.
func (r *Registry) knownTerminalLocked(id string) bool {
	if e, ok := r.entries[id]; ok && e.Kind == KindTerminal {
		return true
	}
	return r.terminals != nil && r.terminals.HasTerminal(id)
}

// closesCycleLocked walks the forward chain starting at the proposed target.
// If the chain reaches back to ciName the new rule would loop: a terminal may
// itself be registered as a CI with its own forward.
func (r *Registry) closesCycleLocked(ciName, target string) bool {
	seen := map[string]bool{ciName: true}
	current := target
	for {
		if seen[current] {
			return true
		}
		seen[current] = true
		next, ok := r.forwards[current]
		if !ok {
			return false
		}
		current = next.TerminalID
	}
}
