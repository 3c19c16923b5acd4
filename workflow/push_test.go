package workflow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

func TestSprintPipelineAdvances(t *testing.T) {
	status := SprintPlanning
	var err error

	for _, step := range []struct {
		next string
		want string
	}{
		{"telos", "Ready-1:telos"},
		{"prometheus", "Ready-2:prometheus"},
		{"metis", "Ready-3:metis"},
		{"", SprintReadyReview},
		{"", SprintBuilding},
		{"", SprintComplete},
	} {
		status, err = AdvanceSprint(status, step.next)
		require.NoError(t, err)
		assert.Equal(t, step.want, status)
	}

	_, err = AdvanceSprint(SprintComplete, "")
	assert.True(t, tekerr.Is(err, tekerr.CodeConflict))

	_, err = AdvanceSprint(SprintPlanning, "")
	assert.True(t, tekerr.Is(err, tekerr.CodeInvalid), "leaving Planning needs a handoff target")

	superseded, err := Supersede(SprintBuilding)
	require.NoError(t, err)
	assert.Equal(t, SprintSuperseded, superseded)
}

func TestPushEndpointDestMatching(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	engine := NewEngine(fastConfig(), store, newFakeDispatcher(
		func(string, string, map[string]any, int) (map[string]any, error) {
			return nil, nil
		}), nil)

	var received []PushEnvelope
	h := NewHTTPHandler(engine, "prometheus", func(env PushEnvelope) {
		received = append(received, env)
	}, nil)
	mux := http.NewServeMux()
	h.RegisterHTTPHandlers(mux)

	push := func(dest string) map[string]any {
		env := PushEnvelope{
			Purpose: map[string]string{"prometheus": "plan phases for sprint"},
			Dest:    dest,
			Payload: map[string]any{"sprint_name": "auth-sprint", "status": "Ready-1:prometheus"},
		}
		body, _ := json.Marshal(env)
		req := httptest.NewRequest(http.MethodPost, "/workflow", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			OK   bool           `json:"ok"`
			Data map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.True(t, resp.OK)
		return resp.Data
	}

	data := push("prometheus")
	assert.Equal(t, true, data["accepted"])
	require.Len(t, received, 1)
	assert.Equal(t, "auth-sprint", received[0].SprintName())

	data = push("telos")
	assert.Equal(t, true, data["ignored"], "mismatched dest is acknowledged but ignored")
	assert.Len(t, received, 1)
}

func TestPushEnvelopeValidation(t *testing.T) {
	env := PushEnvelope{Payload: map[string]any{}}
	assert.True(t, tekerr.Is(env.Validate(), tekerr.CodeInvalid))

	env = PushEnvelope{Dest: "telos", Purpose: map[string]string{"telos": "x"}}
	assert.NoError(t, env.Validate())

	instr, ok := env.InstructionFor("telos")
	assert.True(t, ok)
	assert.Equal(t, "x", instr)
}
