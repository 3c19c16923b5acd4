package workflow

import (
	"fmt"
	"strings"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

// PushEnvelope is the standard inter-component /workflow message. A component
// receiving an envelope whose dest matches its own id looks for work; all
// others acknowledge and ignore. Components never mutate another component's
// payload.
type PushEnvelope struct {
	Purpose map[string]string `json:"purpose"`
	Dest    string            `json:"dest"`
	Payload map[string]any    `json:"payload"`
}

// Validate checks the envelope shape.
func (p *PushEnvelope) Validate() error {
	if p.Dest == "" {
		return tekerr.New(tekerr.CodeInvalid, "dest is required")
	}
	if len(p.Purpose) == 0 {
		return tekerr.New(tekerr.CodeInvalid, "purpose map is required")
	}
	return nil
}

// InstructionFor returns the purpose line addressed to a component.
func (p *PushEnvelope) InstructionFor(componentID string) (string, bool) {
	s, ok := p.Purpose[componentID]
	return s, ok
}

// SprintName extracts the sprint_name payload field.
func (p *PushEnvelope) SprintName() string {
	if s, ok := p.Payload["sprint_name"].(string); ok {
		return s
	}
	return ""
}

// Sprint statuses advance through the planning pipeline:
// Planning -> Ready-1:<next> -> Ready-2:<next> -> Ready-3:<next> ->
// Ready-Review -> Building -> Complete | Superseded.
const (
	SprintPlanning    = "Planning"
	SprintReadyReview = "Ready-Review"
	SprintBuilding    = "Building"
	SprintComplete    = "Complete"
	SprintSuperseded  = "Superseded"
)

// readyStage parses "Ready-N:<next>" into its stage number and next
// component.
func readyStage(status string) (stage int, next string, ok bool) {
	rest, found := strings.CutPrefix(status, "Ready-")
	if !found {
		return 0, "", false
	}
	numStr, next, found := strings.Cut(rest, ":")
	if !found {
		return 0, "", false
	}
	switch numStr {
	case "1", "2", "3":
		return int(numStr[0] - '0'), next, true
	}
	return 0, "", false
}

// AdvanceSprint computes the next pipeline status. next names the component
// the sprint is handed to, where the stage calls for one.
func AdvanceSprint(status, next string) (string, error) {
	if stage, _, ok := readyStage(status); ok {
		if stage < 3 {
			if next == "" {
				return "", tekerr.New(tekerr.CodeInvalid,
					"stage Ready-%d needs a next component", stage+1)
			}
			return fmt.Sprintf("Ready-%d:%s", stage+1, next), nil
		}
		return SprintReadyReview, nil
	}

	switch status {
	case SprintPlanning:
		if next == "" {
			return "", tekerr.New(tekerr.CodeInvalid, "leaving Planning needs a next component")
		}
		return "Ready-1:" + next, nil
	case SprintReadyReview:
		return SprintBuilding, nil
	case SprintBuilding:
		return SprintComplete, nil
	case SprintComplete, SprintSuperseded:
		return "", tekerr.New(tekerr.CodeConflict, "sprint already %s", status)
	}
	return "", tekerr.New(tekerr.CodeInvalid, "unknown sprint status %q", status)
}

// Supersede retires a sprint from any non-terminal status.
func Supersede(status string) (string, error) {
	if status == SprintComplete || status == SprintSuperseded {
		return "", tekerr.New(tekerr.CodeConflict, "sprint already %s", status)
	}
	return SprintSuperseded, nil
}
