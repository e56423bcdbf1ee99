// Package proxy is the client side of the execution proxy: the process that
// actually runs tools (shell, filesystem, browser) on behalf of a run. The
// agent never executes anything itself; every tool call crosses this boundary
// and comes back as a typed success or a coded failure.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Failure codes returned by the execution proxy. These classify tool-side
// failures and are never conflated with run terminal statuses.
const (
	CodePath = "E_PATH" // path outside the allowed roots
	CodeTool = "E_TOOL" // unknown tool
	CodeArgs = "E_ARGS" // malformed or missing arguments
	CodeCmd  = "E_CMD"  // command ran and failed
	CodeBusy = "E_BUSY" // proxy at capacity, retry later
)

// Request is one tool invocation sent to the proxy.
type Request struct {
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`

	// SessionID scopes the invocation; subagent runs also carry the parent
	// linkage so the proxy can attribute resource use.
	SessionID       string `json:"sessionId,omitempty"`
	ParentSessionID string `json:"parentSessionId,omitempty"`
	AgentID         string `json:"agentId,omitempty"`
}

// Response is the terminal reply for one invocation.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error is a coded proxy failure.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("proxy: %s: %s", e.Code, e.Message)
}

// IsBusy reports whether the failure is the proxy's capacity backpressure,
// which is the only retryable proxy code.
func IsBusy(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == CodeBusy
}

// StreamEvent values carried by async frames while an invocation runs.
const (
	EventStarted  = "invoke.started"
	EventStdout   = "invoke.stdout"
	EventStderr   = "invoke.stderr"
	EventFinished = "invoke.finished"
)

// StreamFrame is one async progress frame, correlated to a Request by ID.
type StreamFrame struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Chunk string `json:"chunk,omitempty"`
}

// Client invokes tools through the execution proxy. Stream is optional; a nil
// channel means the caller does not want progress frames.
type Client interface {
	// Invoke sends one tool call and blocks until its terminal response or
	// ctx expiry. Progress frames, when a stream channel is given, are
	// best-effort: frames are dropped rather than blocking the invocation.
	Invoke(ctx context.Context, req Request, stream chan<- StreamFrame) (json.RawMessage, error)
	Close() error
}

// ValidateRequest rejects malformed requests before they cross the wire.
func ValidateRequest(req Request) error {
	if strings.TrimSpace(req.ID) == "" {
		return &Error{Code: CodeArgs, Message: "missing invocation id"}
	}
	if strings.TrimSpace(req.Tool) == "" {
		return &Error{Code: CodeTool, Message: "missing tool name"}
	}
	return nil
}
