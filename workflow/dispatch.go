package workflow

import (
	"context"
	"encoding/json"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

// Sender is the shell's send surface; the orchestrator dispatches task
// invocations through it so forwarding and pooling apply uniformly.
type Sender interface {
	Send(ctx context.Context, ciName, message string) ([]byte, error)
}

// invocation is the wire form of one task dispatch.
type invocation struct {
	Action string         `json:"action"`
	Input  map[string]any `json:"input,omitempty"`
}

// invocationResponse is the expected component reply.
type invocationResponse struct {
	OK     bool           `json:"ok"`
	Output map[string]any `json:"output,omitempty"`
	Error  *tekerr.Error  `json:"error,omitempty"`
}

// ShellDispatcher routes task invocations through the message shell.
type ShellDispatcher struct {
	sender Sender
}

// NewShellDispatcher wraps a shell as the engine's dispatcher.
func NewShellDispatcher(sender Sender) *ShellDispatcher {
	return &ShellDispatcher{sender: sender}
}

// Dispatch sends {action, input} to the component and decodes its reply.
func (d *ShellDispatcher) Dispatch(ctx context.Context, component, action string, input map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(invocation{Action: action, Input: input})
	if err != nil {
		return nil, tekerr.Wrap(tekerr.CodeInvalid, err)
	}

	body, err := d.sender.Send(ctx, component, string(payload))
	if err != nil {
		return nil, err
	}

	var resp invocationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, tekerr.New(tekerr.CodeTaskFailed,
			"component %s returned malformed response: %v", component, err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return nil, resp.Error
		}
		return nil, tekerr.New(tekerr.CodeTaskFailed, "component %s rejected %s", component, action)
	}
	return resp.Output, nil
}
