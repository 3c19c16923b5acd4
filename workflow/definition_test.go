package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

func TestValidateCatchesBadGraphs(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{
			name: "unknown dependency",
			def: Definition{
				ID: "w",
				Tasks: map[string]TaskDef{
					"a": {Component: "c", Action: "x", DependsOn: []string{"ghost"}},
				},
			},
		},
		{
			name: "cycle",
			def: Definition{
				ID: "w",
				Tasks: map[string]TaskDef{
					"a": {Component: "c", Action: "x", DependsOn: []string{"b"}},
					"b": {Component: "c", Action: "x", DependsOn: []string{"a"}},
				},
			},
		},
		{
			name: "output reference without dependency",
			def: Definition{
				ID: "w",
				Tasks: map[string]TaskDef{
					"a": {Component: "c", Action: "x"},
					"b": {Component: "c", Action: "x",
						Input: map[string]any{"data": "${tasks.a.output}"}},
				},
			},
		},
		{
			name: "unknown compensation target",
			def: Definition{
				ID: "w",
				Tasks: map[string]TaskDef{
					"a": {Component: "c", Action: "x", OnError: "compensate:ghost"},
				},
			},
		},
		{
			name: "missing component",
			def: Definition{
				ID:    "w",
				Tasks: map[string]TaskDef{"a": {Action: "x"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			assert.True(t, tekerr.Is(err, tekerr.CodeInvalid), "got %v", err)
		})
	}
}

func TestValidateAcceptsDiamond(t *testing.T) {
	def := Definition{
		ID: "w",
		Tasks: map[string]TaskDef{
			"a": {Component: "c", Action: "x"},
			"b": {Component: "c", Action: "x", DependsOn: []string{"a"}},
			"c": {Component: "c", Action: "x", DependsOn: []string{"a"}},
			"d": {Component: "c", Action: "x", DependsOn: []string{"b", "c"},
				Input: map[string]any{"left": "${tasks.b.output}", "right": "${tasks.c.output}"}},
		},
	}
	require.NoError(t, def.Validate())
}

func TestInstantiateValidatesAndSubstitutes(t *testing.T) {
	def := Definition{
		ID:      "tmpl",
		Version: "1",
		ParametersSchema: json.RawMessage(`{
			"type": "object",
			"required": ["repo"],
			"properties": {"repo": {"type": "string"}}
		}`),
		Tasks: map[string]TaskDef{
			"clone": {Component: "ergon", Action: "clone",
				Input: map[string]any{
					"repo":  "${parameters.repo}",
					"label": "sync ${parameters.repo} now",
				}},
		},
	}

	_, err := def.Instantiate(map[string]any{})
	assert.True(t, tekerr.Is(err, tekerr.CodeInvalid))

	concrete, err := def.Instantiate(map[string]any{"repo": "tekton"})
	require.NoError(t, err)
	assert.Equal(t, "tekton", concrete.Tasks["clone"].Input["repo"])
	assert.Equal(t, "sync tekton now", concrete.Tasks["clone"].Input["label"])
}

func TestSubstituteOutputs(t *testing.T) {
	input := map[string]any{
		"whole":  "${tasks.a.output}",
		"field":  "${tasks.a.output.result}",
		"nested": "${tasks.a.output.meta.count}",
		"text":   "got ${tasks.a.output.result}",
	}
	outputs := map[string]any{
		"a": map[string]any{
			"result": "X",
			"meta":   map[string]any{"count": 3},
		},
	}

	resolved, err := substituteOutputs(input, outputs)
	require.NoError(t, err)
	assert.Equal(t, outputs["a"], resolved["whole"], "whole-string reference keeps type")
	assert.Equal(t, "X", resolved["field"])
	assert.Equal(t, 3, resolved["nested"])
	assert.Equal(t, "got X", resolved["text"])

	_, err = substituteOutputs(map[string]any{"x": "${tasks.a.output.missing}"}, outputs)
	assert.Error(t, err)
}
