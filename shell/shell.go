// Package shell implements the message-routing core behind aish: CI name
// resolution, forwarding-aware delivery over HTTP/SSE/websocket transports,
// per-target connection pooling, and team-chat fan-out.
package shell

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ckoons/Tekton-sub017/cireg"
	"github.com/ckoons/Tekton-sub017/config"
	"github.com/ckoons/Tekton-sub017/tekerr"
	"github.com/ckoons/Tekton-sub017/terma"
)

// Shell routes messages from a caller to CIs, terminals, and components.
type Shell struct {
	cfg       config.ShellConfig
	logger    *slog.Logger
	sender    string
	cis       *cireg.Registry
	terminals *terma.Manager
	resolver  *Resolver
	pool      *Pool
	transport *HTTPTransport
}

// New assembles a shell for one caller identity.
func New(cfg config.ShellConfig, sender string, cis *cireg.Registry, terminals *terma.Manager, endpoints EndpointResolver, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{
		cfg:       cfg,
		logger:    logger,
		sender:    sender,
		cis:       cis,
		terminals: terminals,
		resolver:  NewResolver(cis, endpoints),
		pool:      NewPool(cfg.PerTargetConcurrency, cfg.QueueDepth),
		transport: NewHTTPTransport(cfg.RequestTimeout),
	}
}

// ReadMessage returns args joined, or stdin when no message argument was
// given. Empty stdin is a usage error.
func ReadMessage(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return "", tekerr.Wrap(tekerr.CodeInvalid, err)
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return "", tekerr.New(tekerr.CodeStdinEmpty, "no message argument and stdin is empty")
	}
	return msg, nil
}

// Send resolves a CI and delivers one message. Forwarded CIs with json mode
// receive the envelope; terminals get the payload in their new inbox.
func (s *Shell) Send(ctx context.Context, ciName, message string) ([]byte, error) {
	return s.deliver(ctx, ciName, message, "forward", terma.BoxNew)
}

// Prompt delivers a high-priority message: terminal targets receive it in
// their prompt inbox.
func (s *Shell) Prompt(ctx context.Context, ciName, message string) ([]byte, error) {
	return s.deliver(ctx, ciName, message, "prompt", terma.BoxPrompt)
}

func (s *Shell) deliver(ctx context.Context, ciName, message, purpose string, box terma.Box) ([]byte, error) {
	target, err := s.resolver.Resolve(ciName)
	if err != nil {
		return nil, err
	}

	if err := s.checkAwake(ciName); err != nil {
		return nil, err
	}

	payload := []byte(message)
	if target.JSONWrap {
		payload, err = Envelope{
			Message: message,
			Dest:    ciName,
			Sender:  s.sender,
			Purpose: purpose,
		}.Encode()
		if err != nil {
			return nil, tekerr.Wrap(tekerr.CodeInvalid, err)
		}
	}

	if target.IsTerminal() {
		msg := terma.NewMessage(s.sender, purpose, string(payload))
		if err := s.terminals.Deliver(target.Terminal, box, msg); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var body []byte
	err = s.pool.Do(ctx, target.URL, func(ctx context.Context) error {
		var sendErr error
		if IsSocketURL(target.URL) {
			body, sendErr = s.sendWS(ctx, target.URL, payload)
		} else {
			body, sendErr = s.transport.Send(ctx, target.URL, payload)
		}
		return sendErr
	})
	return body, err
}

// sendWS delivers over a framed socket: one message frame out, the first data
// frame back is the response body.
func (s *Shell) sendWS(ctx context.Context, url string, payload []byte) ([]byte, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	conn, err := DialWS(dialCtx, url)
	cancel()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.cfg.RequestTimeout)); err != nil {
		return nil, tekerr.Wrap(tekerr.CodeConnectionReset, err)
	}
	if err := conn.Send("message", string(payload)); err != nil {
		return nil, err
	}
	frame, err := conn.Receive()
	if err != nil {
		return nil, err
	}
	return frame.Data, nil
}

// checkAwake rejects normal sends to a CI that has been sunset. The sunrise
// path clears the state before the next turn.
func (s *Shell) checkAwake(ciName string) error {
	entry, err := s.cis.Get(ciName)
	if err != nil {
		// Forward-only names are not registry entries.
		return nil
	}
	if entry.SunsetState == cireg.SunsetAsleep {
		return tekerr.New(tekerr.CodeCIAsleep, "%s is sunset; run sunrise first", ciName)
	}
	return nil
}

// ChatStatus classifies one team-chat target's outcome.
type ChatStatus string

const (
	ChatOK      ChatStatus = "ok"
	ChatTimeout ChatStatus = "timeout"
	ChatFailed  ChatStatus = "failed"
)

// ChatResult is one team-chat response, in arrival order.
type ChatResult struct {
	CIName   string        `json:"ci_name"`
	Status   ChatStatus    `json:"status"`
	Response string        `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// TeamChat broadcasts a message to every greek-chorus CI in parallel with a
// per-target timeout. Tardy responders are marked timeout, not failed, and
// never affect registry health.
func (s *Shell) TeamChat(ctx context.Context, message string) []ChatResult {
	targets := s.cis.ListByKind(cireg.KindGreekChorus)
	if len(targets) == 0 {
		return nil
	}

	results := make(chan ChatResult, len(targets))
	var wg sync.WaitGroup
	for _, entry := range targets {
		wg.Add(1)
		go func(entry cireg.Entry) {
			defer wg.Done()
			results <- s.chatOne(ctx, entry, message)
		}(entry)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]ChatResult, 0, len(targets))
	for r := range results {
		out = append(out, r)
	}
	return out
}

func (s *Shell) chatOne(ctx context.Context, entry cireg.Entry, message string) ChatResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BroadcastTimeout)
	defer cancel()

	body, err := s.deliver(ctx, entry.Name, message, "team-chat", terma.BoxNew)
	result := ChatResult{CIName: entry.Name, Elapsed: time.Since(start)}
	switch {
	case err == nil:
		result.Status = ChatOK
		result.Response = string(body)
	case tekerr.Is(err, tekerr.CodeTimeout):
		result.Status = ChatTimeout
		result.Error = err.Error()
	default:
		result.Status = ChatFailed
		result.Error = err.Error()
	}
	return result
}
