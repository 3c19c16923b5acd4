package memory

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub017/cireg"
	"github.com/ckoons/Tekton-sub017/config"
)

func newTestServer(t *testing.T) (*httptest.Server, *cireg.Registry) {
	t.Helper()

	cfg := config.DefaultConfig().Memory
	dir := t.TempDir()

	cis, err := cireg.Load(filepath.Join(dir, "ci_registry.json"))
	require.NoError(t, err)
	require.NoError(t, cis.Put(cireg.Entry{
		Name: "apollo", Kind: cireg.KindGreekChorus, Component: "apollo",
	}))

	catalogs := NewManager(cfg,
		func(ci string) string { return filepath.Join(dir, "memory", ci) },
		NewCounter(""))
	ledger := NewLedger(cfg)
	supervisor, err := NewSupervisor(cfg, cis, ledger, catalogs, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHTTPHandler(catalogs, ledger, supervisor, nil).RegisterHTTPHandlers(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, cis
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		OK   bool           `json:"ok"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.OK)
	return body.Data
}

func TestBudgetOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/budget/apollo",
		bytes.NewReader([]byte(`{"model":"m1","hard_limit":1000}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data := decodeData(t, resp)
	assert.Equal(t, float64(1000), data["hard_limit"])

	resp = postJSON(t, srv.URL+"/budget/apollo/consume",
		map[string]any{"model": "m1", "tokens": 850})
	data = decodeData(t, resp)
	assert.Equal(t, "sunset", data["level"])
	assert.Equal(t, true, data["sunset_required"])
}

func TestConsumePastHardLimitErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/budget/apollo",
		bytes.NewReader([]byte(`{"model":"m1","hard_limit":100}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/budget/apollo/consume",
		map[string]any{"model": "m1", "tokens": 99})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body struct {
		OK    bool `json:"ok"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.OK)
	assert.Equal(t, "context_exhausted", body.Error.Code)
}

func TestSunsetSunriseOverHTTP(t *testing.T) {
	srv, cis := newTestServer(t)

	resp := postJSON(t, srv.URL+"/ci/apollo/sunset",
		map[string]any{"response": "auth refactor in flight, resume at token layer"})
	data := decodeData(t, resp)
	assert.Contains(t, data["prompt"], "SUNSET_PROTOCOL")

	entry, err := cis.Get("apollo")
	require.NoError(t, err)
	assert.Equal(t, cireg.SunsetAsleep, entry.SunsetState)

	resp = postJSON(t, srv.URL+"/ci/apollo/sunrise", map[string]any{})
	data = decodeData(t, resp)
	assert.Contains(t, data["message"], "auth refactor in flight")

	entry, err = cis.Get("apollo")
	require.NoError(t, err)
	assert.Equal(t, cireg.SunsetAwake, entry.SunsetState)
}

func TestAddAndInjectOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/memory/apollo/items", map[string]any{
		"ci_source": "apollo",
		"kind":      "decision",
		"summary":   "use jwt for sessions",
		"content":   "Sessions move to signed JWTs with 1h expiry.",
		"tags":      []string{"auth"},
		"priority":  6,
	})
	data := decodeData(t, resp)
	assert.NotEmpty(t, data["id"])

	getResp, err := http.Get(srv.URL + "/memory/apollo/inject?tags=auth")
	require.NoError(t, err)
	inj := decodeData(t, getResp)
	assert.Contains(t, inj["rendered"], "Sessions move to signed JWTs")
}
