package shell

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

// HTTPTransport sends JSON request/response messages.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds a transport with the given default timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

// Send POSTs payload to url and returns the response body. Errors are mapped
// onto the transport error classes so retry policies can dispatch on code.
func (t *HTTPTransport) Send(ctx context.Context, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, tekerr.Wrap(tekerr.CodeInvalid, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, tekerr.Wrap(tekerr.CodeConnectionReset, err)
	}

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, tekerr.New(tekerr.CodeOverloaded, "%s returned 503", url)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, tekerr.New(tekerr.CodeTimeout, "%s returned 504", url)
	case resp.StatusCode >= 500:
		return nil, tekerr.New(tekerr.CodeUnavailable, "%s returned %d", url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, tekerr.New(tekerr.CodeInvalid, "%s returned %d: %s", url, resp.StatusCode, body)
	}
	return body, nil
}

func classifyTransportErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return tekerr.Wrap(tekerr.CodeTimeout, err)
	case errors.Is(err, context.Canceled):
		return tekerr.Wrap(tekerr.CodeTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return tekerr.Wrap(tekerr.CodeTimeout, err)
	}
	if strings.Contains(err.Error(), "connection reset") {
		return tekerr.Wrap(tekerr.CodeConnectionReset, err)
	}
	return tekerr.Wrap(tekerr.CodeUnavailable, err)
}

// ConsumeSSE reads a server-sent event stream, invoking handle for each data
// payload until the stream closes or the context ends.
func ConsumeSSE(ctx context.Context, client *http.Client, url string, handle func(event, data string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return tekerr.Wrap(tekerr.CodeInvalid, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tekerr.New(tekerr.CodeUnavailable, "%s returned %d", url, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && data != "":
			handle(event, data)
			event, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return tekerr.Wrap(tekerr.CodeConnectionReset, err)
	}
	return nil
}

// IsSocketURL reports whether an endpoint speaks the framed-socket protocol
// rather than request/response HTTP.
func IsSocketURL(url string) bool {
	return strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")
}

// Frame is the framed-socket wire unit: JSON text frames where ping/pong are
// control frames and everything else carries data.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WSConn is a framed websocket connection that answers pings and reconnects
// with exponential backoff when the peer drops.
type WSConn struct {
	url  string
	conn *websocket.Conn
}

// DialWS connects to a framed socket endpoint, retrying with backoff until
// the context ends.
func DialWS(ctx context.Context, url string) (*WSConn, error) {
	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
		return err
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, classifyTransportErr(err)
	}
	return &WSConn{url: url, conn: conn}, nil
}

// Send writes one data frame.
func (c *WSConn) Send(frameType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return tekerr.Wrap(tekerr.CodeInvalid, err)
	}
	frame := Frame{Type: frameType, Data: raw}
	if err := c.conn.WriteJSON(frame); err != nil {
		return classifyTransportErr(err)
	}
	return nil
}

// SetDeadline bounds subsequent reads and writes on the connection.
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

// Receive reads the next data frame, transparently answering ping control
// frames with pong.
func (c *WSConn) Receive() (*Frame, error) {
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return nil, classifyTransportErr(err)
		}
		switch frame.Type {
		case "ping":
			if err := c.conn.WriteJSON(Frame{Type: "pong"}); err != nil {
				return nil, classifyTransportErr(err)
			}
		case "pong":
			// Unsolicited pong, ignore.
		default:
			return &frame, nil
		}
	}
}

// Close shuts the connection down cleanly.
func (c *WSConn) Close() error {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		c.conn.Close()
		return fmt.Errorf("close frame: %w", err)
	}
	return c.conn.Close()
}
