package memory

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ckoons/Tekton-sub017/cireg"
	"github.com/ckoons/Tekton-sub017/config"
	"github.com/ckoons/Tekton-sub017/tekerr"
)

// SunsetPrompt is the system prompt emitted on a sunset turn. The CI's
// response becomes its sunrise context.
const SunsetPrompt = `SUNSET_PROTOCOL: Your context window is nearly full. ` +
	`Summarize your current working state in under 300 words: active tasks, ` +
	`key decisions, open questions, and anything your future self must know ` +
	`to continue. This summary will be restored to you after you rest.`

// Supervisor runs the sunset/sunrise protocol over the CI registry, the
// budget ledger, and the memory catalogs.
type Supervisor struct {
	cfg        config.MemoryConfig
	logger     *slog.Logger
	cis        *cireg.Registry
	ledger     *Ledger
	catalogs   *Manager
	signatures []*regexp.Regexp
	now        func() time.Time
}

// NewSupervisor compiles the configured sunset signatures and wires the
// protocol together.
func NewSupervisor(cfg config.MemoryConfig, cis *cireg.Registry, ledger *Ledger, catalogs *Manager, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		cis:      cis,
		ledger:   ledger,
		catalogs: catalogs,
		now:      time.Now,
	}
	for _, pattern := range cfg.SunsetSignatures {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, tekerr.New(tekerr.CodeInvalid, "sunset signature %q: %v", pattern, err)
		}
		s.signatures = append(s.signatures, re)
	}
	return s, nil
}

// NeedsSunset reports whether the CI should sunset before its next outbound
// turn.
func (s *Supervisor) NeedsSunset(ci, model string) bool {
	b, ok := s.ledger.Get(ci, model)
	if !ok {
		return false
	}
	switch b.Level(s.cfg) {
	case LevelSunset, LevelHard:
		return true
	}
	return false
}

// DetectSunset reports whether a CI's output matches a sunset signature,
// which auto-promotes the CI to sunset even without an explicit trigger.
func (s *Supervisor) DetectSunset(output string) bool {
	for _, re := range s.signatures {
		if re.MatchString(output) {
			return true
		}
	}
	return false
}

// CompleteSunset captures the CI's sunset response as its sunrise context
// and marks it asleep. Normal messages are rejected with ci_asleep until
// sunrise. Not cancellable once committed.
func (s *Supervisor) CompleteSunset(ciName, response string) error {
	at := s.now()
	err := s.cis.Update(ciName, func(e *cireg.Entry) {
		e.SunsetState = cireg.SunsetAsleep
		e.SunriseContext = response
		e.SunsetAt = &at
	})
	if err != nil {
		return err
	}
	s.logger.Info("CI sunset committed", "ci", ciName)
	return nil
}

// Sunrise wakes a sunset CI: the captured context plus a delta of catalog
// items created while it rested become the leading system message for the
// next exchange. Repeated sunrise without an intervening sunset is a no-op.
func (s *Supervisor) Sunrise(ciName string) (string, error) {
	entry, err := s.cis.Get(ciName)
	if err != nil {
		return "", err
	}
	if entry.SunsetState != cireg.SunsetAsleep {
		return "", nil
	}
	if entry.SunriseContext == "" {
		// The CI stays asleep; waking it without context would lose state.
		return "", tekerr.New(tekerr.CodeSunriseWithoutContext,
			"%s has no captured sunrise context", ciName)
	}

	message := s.buildSunriseMessage(ciName, &entry)
	err = s.cis.Update(ciName, func(e *cireg.Entry) {
		e.SunsetState = cireg.SunsetAwake
		e.NextPrompt = message
		e.SunriseContext = ""
		e.SunsetAt = nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("CI sunrise applied", "ci", ciName)
	return message, nil
}

// buildSunriseMessage assembles the restored context and the
// while-you-rested delta.
func (s *Supervisor) buildSunriseMessage(ciName string, entry *cireg.Entry) string {
	var b strings.Builder
	b.WriteString("Restored working state:\n")
	b.WriteString(entry.SunriseContext)

	if entry.SunsetAt != nil {
		var delta []*Item
		for _, scope := range []string{ciName, GlobalScope} {
			items, err := s.catalogs.ItemsSince(scope, *entry.SunsetAt)
			if err != nil {
				s.logger.Warn("Failed to collect sunrise delta", "scope", scope, "error", err)
				continue
			}
			delta = append(delta, items...)
		}
		if len(delta) > 0 {
			b.WriteString("\n\nWhile you rested:\n")
			for _, it := range delta {
				fmt.Fprintf(&b, "- [%s] %s\n", it.Kind, it.Summary)
			}
		}
	}
	return b.String()
}
