// Package workflow implements the DAG workflow orchestrator: definitions and
// templates, parallel task execution with retries and compensation,
// checkpointing with restore, and the inter-component /workflow push
// protocol.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

// OnError selects task failure handling. Compensation is written as
// "compensate:<task_id>".
const (
	OnErrorFail = "fail"
	OnErrorSkip = "skip"

	compensatePrefix = "compensate:"
)

// RetryPolicy bounds task retries. Zero values take engine defaults.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty"`
	BaseBackoff time.Duration `json:"base_backoff_ms,omitempty"`
	MaxBackoff  time.Duration `json:"max_backoff_ms,omitempty"`
}

// TaskDef is one node of the workflow graph.
type TaskDef struct {
	Name      string         `json:"name"`
	Component string         `json:"component"`
	Action    string         `json:"action"`
	Input     map[string]any `json:"input,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Retry     *RetryPolicy   `json:"retry_policy,omitempty"`
	Timeout   time.Duration  `json:"timeout_ms,omitempty"`
	OnError   string         `json:"on_error,omitempty"`
	Priority  int            `json:"priority,omitempty"`

	// Durable forces a checkpoint when the task reaches a terminal state.
	Durable bool `json:"durable,omitempty"`
	// CancelOnPause propagates pause as cancellation to a running attempt.
	CancelOnPause bool `json:"cancel_on_pause,omitempty"`
	// Compensation marks tasks that run only via compensate: handlers.
	Compensation bool `json:"compensation,omitempty"`
}

// CompensationTarget returns the task id named by a compensate: handler.
func (t TaskDef) CompensationTarget() (string, bool) {
	if strings.HasPrefix(t.OnError, compensatePrefix) {
		return strings.TrimPrefix(t.OnError, compensatePrefix), true
	}
	return "", false
}

// Definition is a stored workflow. A definition with a parameters schema and
// ${parameters.*} references acts as a template until instantiated.
type Definition struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Version          string             `json:"version"`
	ParametersSchema json.RawMessage    `json:"parameters_schema,omitempty"`
	Tasks            map[string]TaskDef `json:"tasks"`
}

// TaskIDs returns task ids in deterministic order. JSON objects carry no
// insertion order, so id order stands in for it in dispatch tie-breaks.
func (d *Definition) TaskIDs() []string {
	ids := make([]string, 0, len(d.Tasks))
	for id := range d.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the structural invariants: the graph is acyclic, every
// reference names an existing task, and every ${tasks.X...} input reference
// points at a declared dependency.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return tekerr.New(tekerr.CodeInvalid, "workflow id is required")
	}
	if len(d.Tasks) == 0 {
		return tekerr.New(tekerr.CodeInvalid, "workflow %s has no tasks", d.ID)
	}

	for id, task := range d.Tasks {
		if task.Component == "" || task.Action == "" {
			return tekerr.New(tekerr.CodeInvalid, "task %s needs component and action", id)
		}
		for _, dep := range task.DependsOn {
			if _, ok := d.Tasks[dep]; !ok {
				return tekerr.New(tekerr.CodeInvalid, "task %s depends on unknown task %s", id, dep)
			}
		}
		if target, ok := task.CompensationTarget(); ok {
			if _, exists := d.Tasks[target]; !exists {
				return tekerr.New(tekerr.CodeInvalid,
					"task %s compensates with unknown task %s", id, target)
			}
		} else if task.OnError != "" && task.OnError != OnErrorFail && task.OnError != OnErrorSkip {
			return tekerr.New(tekerr.CodeInvalid, "task %s has unknown on_error %q", id, task.OnError)
		}

		deps := make(map[string]bool, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			deps[dep] = true
		}
		for _, ref := range collectTaskRefs(task.Input) {
			if !deps[ref] {
				return tekerr.New(tekerr.CodeInvalid,
					"task %s references output of %s without depending on it", id, ref)
			}
		}
	}

	return d.checkAcyclic()
}

// checkAcyclic runs a three-color DFS over depends_on edges.
func (d *Definition) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(d.Tasks))

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case gray:
			return tekerr.New(tekerr.CodeInvalid, "dependency cycle through task %s", id)
		case black:
			return nil
		}
		colors[id] = gray
		for _, dep := range d.Tasks[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[id] = black
		return nil
	}

	for _, id := range d.TaskIDs() {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Instantiate validates values against the template's parameters schema and
// produces a concrete definition with ${parameters.*} substituted.
func (d *Definition) Instantiate(values map[string]any) (*Definition, error) {
	if len(d.ParametersSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(d.ParametersSchema))
		if err != nil {
			return nil, tekerr.New(tekerr.CodeInvalid, "parameters schema: %v", err)
		}
		schemaURL := fmt.Sprintf("workflow://%s/parameters", d.ID)
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			return nil, tekerr.New(tekerr.CodeInvalid, "parameters schema: %v", err)
		}
		schema, err := compiler.Compile(schemaURL)
		if err != nil {
			return nil, tekerr.New(tekerr.CodeInvalid, "parameters schema: %v", err)
		}
		normalized, err := normalizeForSchema(values)
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(normalized); err != nil {
			return nil, tekerr.New(tekerr.CodeInvalid, "parameter values: %v", err)
		}
	}

	concrete := &Definition{
		ID:      d.ID,
		Name:    d.Name,
		Version: d.Version,
		Tasks:   make(map[string]TaskDef, len(d.Tasks)),
	}
	for id, task := range d.Tasks {
		task.Input = substituteParameters(task.Input, values)
		concrete.Tasks[id] = task
	}
	return concrete, nil
}

// normalizeForSchema round-trips values through JSON so the validator sees
// the wire types it expects.
func normalizeForSchema(values map[string]any) (any, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, tekerr.Wrap(tekerr.CodeInvalid, err)
	}
	out, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, tekerr.Wrap(tekerr.CodeInvalid, err)
	}
	return out, nil
}
