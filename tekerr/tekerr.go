// Package tekerr defines the shared error taxonomy for the Tekton core.
//
// Errors cross component boundaries as *Error values carrying a stable code.
// The code determines the HTTP status on the wire and the exit code in the
// shell, so callers dispatch on Code (via errors.As or CodeOf), never on
// message text.
package tekerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class.
type Code string

// Input errors.
const (
	CodeInvalid         Code = "invalid"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeStale           Code = "stale"
	CodeUnknownCI       Code = "unknown-ci"
	CodeUnknownTerminal Code = "unknown-terminal"
	CodeForwardingCycle Code = "forwarding-cycle"
	CodeStdinEmpty      Code = "stdin-empty"

	// Overflow is a warning by default; shells opt into a hard exit.
	CodeMailboxFullEvicted Code = "mailbox-full-evicted"
)

// Transport errors.
const (
	CodeUnavailable     Code = "unavailable"
	CodeTimeout         Code = "timeout"
	CodeOverloaded      Code = "overloaded"
	CodeConnectionReset Code = "connection-reset"
)

// Execution errors.
const (
	CodeTaskFailed            Code = "task_failed"
	CodeNoFallbackAvailable   Code = "no_fallback_available"
	CodeContextExhausted      Code = "context_exhausted"
	CodeCIAsleep              Code = "ci_asleep"
	CodeCatalogFull           Code = "catalog_full"
	CodeBudgetExceeded        Code = "budget_exceeded"
	CodeSunriseWithoutContext Code = "sunrise_without_context"
)

// Engine errors.
const (
	CodePersistenceFailure Code = "persistence-failure"
	CodeEngineFault        Code = "engine-fault"
)

// Error is the wire-visible error carried in {ok:false, error:{...}}.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	err error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.err }

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), err: err}
}

// WithDetail returns e with an added detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the Code from err, or CodeEngineFault when err carries none.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeEngineFault
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}

// IsTransport reports whether err belongs to the transport class. Only
// transport errors (and explicit retryable flags) are retried by callers.
func IsTransport(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeTimeout, CodeOverloaded, CodeConnectionReset:
		return true
	}
	return false
}

// HTTPStatus maps a code to the registry/workflow HTTP status contract.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeNotFound, CodeUnknownCI, CodeUnknownTerminal:
		return http.StatusNotFound
	case CodeConflict, CodeForwardingCycle:
		return http.StatusConflict
	case CodeStale:
		return http.StatusGone
	case CodeOverloaded:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable, CodeConnectionReset:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Shell exit codes (see the aish contract).
const (
	ExitOK         = 0
	ExitUsage      = 2
	ExitResolution = 3
	ExitTransport  = 4
	ExitForwarding = 5
	ExitMailbox    = 10
)

// ExitCode maps an error to the shell exit code for its category.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch CodeOf(err) {
	case CodeUnknownCI, CodeUnknownTerminal, CodeNotFound:
		return ExitResolution
	case CodeUnavailable, CodeTimeout, CodeOverloaded, CodeConnectionReset:
		return ExitTransport
	case CodeForwardingCycle, CodeConflict:
		return ExitForwarding
	case CodeInvalid, CodeStdinEmpty:
		return ExitUsage
	case CodeMailboxFullEvicted:
		return ExitMailbox
	default:
		return 1
	}
}
