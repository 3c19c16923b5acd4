package shell

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub017/cireg"
	"github.com/ckoons/Tekton-sub017/config"
	"github.com/ckoons/Tekton-sub017/registry"
	"github.com/ckoons/Tekton-sub017/tekerr"
	"github.com/ckoons/Tekton-sub017/terma"
)

type fakeEndpoints map[string][]registry.Endpoint

func (f fakeEndpoints) Resolve(name string) ([]registry.Endpoint, error) {
	eps, ok := f[name]
	if !ok {
		return nil, tekerr.New(tekerr.CodeNotFound, "no component %q", name)
	}
	return eps, nil
}

func newTestShell(t *testing.T, endpoints fakeEndpoints) (*Shell, *cireg.Registry, *terma.Manager) {
	t.Helper()
	terminals := terma.NewManager()
	cis, err := cireg.Load(
		filepath.Join(t.TempDir(), "ci_registry.json"),
		cireg.WithTerminalDirectory(terminals),
	)
	require.NoError(t, err)
	sh := New(config.DefaultConfig().Shell, "term-caller", cis, terminals, endpoints, nil)
	return sh, cis, terminals
}

func TestForwardedSendWrapsEnvelope(t *testing.T) {
	sh, cis, terminals := newTestShell(t, fakeEndpoints{})

	termA, err := terminals.Attach("term-A", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, cis.Put(cireg.Entry{Name: "apollo", Kind: cireg.KindGreekChorus}))
	require.NoError(t, cis.SetForward("apollo", "term-A", true))

	_, err = sh.Send(context.Background(), "apollo", "ping")
	require.NoError(t, err)

	msgs, err := termA.Read(terma.BoxNew, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &env))
	assert.Equal(t, "ping", env.Message)
	assert.Equal(t, "apollo", env.Dest)
	assert.Equal(t, "term-caller", env.Sender)
	assert.Equal(t, "forward", env.Purpose)
}

func TestForwardedSendRawWithoutJSON(t *testing.T) {
	sh, cis, terminals := newTestShell(t, fakeEndpoints{})

	termA, err := terminals.Attach("term-A", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, cis.Put(cireg.Entry{Name: "apollo", Kind: cireg.KindGreekChorus}))
	require.NoError(t, cis.SetForward("apollo", "term-A", false))

	_, err = sh.Send(context.Background(), "apollo", "ping")
	require.NoError(t, err)

	msgs, err := termA.Read(terma.BoxNew, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0].Body)
}

func TestPromptLandsInPromptInbox(t *testing.T) {
	sh, cis, terminals := newTestShell(t, fakeEndpoints{})

	termA, err := terminals.Attach("term-A", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, cis.Put(cireg.Entry{Name: "term-A", Kind: cireg.KindTerminal}))

	_, err = sh.Prompt(context.Background(), "term-A", "urgent")
	require.NoError(t, err)

	msgs, err := termA.Read(terma.BoxPrompt, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "urgent", msgs[0].Body)
}

func TestSendToComponentEndpoint(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	sh, cis, _ := newTestShell(t, fakeEndpoints{})
	require.NoError(t, cis.Put(cireg.Entry{
		Name:     "athena",
		Kind:     cireg.KindGreekChorus,
		Endpoint: srv.URL,
	}))

	resp, err := sh.Send(context.Background(), "athena", "analyze this")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp))
	assert.Equal(t, "analyze this", got)
}

func TestSendUnknownCI(t *testing.T) {
	sh, _, _ := newTestShell(t, fakeEndpoints{})
	_, err := sh.Send(context.Background(), "nobody", "hi")
	assert.True(t, tekerr.Is(err, tekerr.CodeUnknownCI))
	assert.Equal(t, tekerr.ExitResolution, tekerr.ExitCode(err))
}

func TestSendToSunsetCIRejected(t *testing.T) {
	sh, cis, _ := newTestShell(t, fakeEndpoints{})
	require.NoError(t, cis.Put(cireg.Entry{
		Name:        "apollo",
		Kind:        cireg.KindGreekChorus,
		Endpoint:    "http://localhost:1",
		SunsetState: cireg.SunsetAsleep,
	}))

	_, err := sh.Send(context.Background(), "apollo", "hello")
	assert.True(t, tekerr.Is(err, tekerr.CodeCIAsleep))
}

func TestTeamChatCollectsPerTargetOutcomes(t *testing.T) {
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer fast.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer slow.Close()

	terminals := terma.NewManager()
	cis, err := cireg.Load(
		filepath.Join(t.TempDir(), "ci_registry.json"),
		cireg.WithTerminalDirectory(terminals),
	)
	require.NoError(t, err)
	require.NoError(t, cis.Put(cireg.Entry{Name: "apollo", Kind: cireg.KindGreekChorus, Endpoint: fast.URL}))
	require.NoError(t, cis.Put(cireg.Entry{Name: "athena", Kind: cireg.KindGreekChorus, Endpoint: slow.URL}))

	cfg := config.DefaultConfig().Shell
	cfg.BroadcastTimeout = 100 * time.Millisecond
	sh := New(cfg, "term-caller", cis, terminals, fakeEndpoints{}, nil)

	results := sh.TeamChat(context.Background(), "standup")
	require.Len(t, results, 2)

	byName := map[string]ChatResult{}
	for _, r := range results {
		byName[r.CIName] = r
	}
	assert.Equal(t, ChatOK, byName["apollo"].Status)
	assert.Equal(t, "pong", byName["apollo"].Response)
	assert.Equal(t, ChatTimeout, byName["athena"].Status, "tardy responder is timeout, not failed")
}

func TestReadMessage(t *testing.T) {
	msg, err := ReadMessage([]string{"hello", "world"}, strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "hello world", msg)

	msg, err = ReadMessage(nil, strings.NewReader("piped input\n"))
	require.NoError(t, err)
	assert.Equal(t, "piped input", msg)

	_, err = ReadMessage(nil, strings.NewReader("  \n"))
	assert.True(t, tekerr.Is(err, tekerr.CodeStdinEmpty))
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	pool := NewPool(1, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	go pool.Do(context.Background(), "t", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// One more fits in the queue.
	queued := make(chan error, 1)
	go func() {
		queued <- pool.Do(context.Background(), "t", func(context.Context) error { return nil })
	}()

	// Wait for the queued call to register before overflowing.
	require.Eventually(t, func() bool { return pool.Pending("t") == 2 },
		time.Second, 5*time.Millisecond)

	err := pool.Do(context.Background(), "t", func(context.Context) error { return nil })
	assert.True(t, tekerr.Is(err, tekerr.CodeOverloaded))

	close(release)
	require.NoError(t, <-queued)
}

func TestTransportErrorClassification(t *testing.T) {
	tr := NewHTTPTransport(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := tr.Send(context.Background(), srv.URL, []byte("x"))
	assert.True(t, tekerr.Is(err, tekerr.CodeOverloaded))

	// Nothing listens on this port.
	_, err = tr.Send(context.Background(), "http://127.0.0.1:1", []byte("x"))
	assert.True(t, tekerr.IsTransport(err))

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer slow.Close()
	_, err = tr.Send(ctx, slow.URL, []byte("x"))
	assert.True(t, tekerr.Is(err, tekerr.CodeTimeout))
}

func TestSendOverFramedSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		// Interleave a ping to exercise the control-frame path.
		if err := conn.WriteJSON(Frame{Type: "ping"}); err != nil {
			return
		}
		var pong Frame
		if err := conn.ReadJSON(&pong); err != nil || pong.Type != "pong" {
			return
		}

		var msg string
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return
		}
		raw, _ := json.Marshal("ack:" + msg)
		_ = conn.WriteJSON(Frame{Type: "message", Data: raw})
	}))
	defer srv.Close()

	sh, cis, _ := newTestShell(t, fakeEndpoints{})
	require.NoError(t, cis.Put(cireg.Entry{
		Name:     "hermes",
		Kind:     cireg.KindGreekChorus,
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}))

	resp, err := sh.Send(context.Background(), "hermes", "relay this")
	require.NoError(t, err)

	var decoded string
	require.NoError(t, json.Unmarshal(resp, &decoded))
	assert.Equal(t, "ack:relay this", decoded)
}
