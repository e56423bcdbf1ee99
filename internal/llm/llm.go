// Package llm hides the provider SDKs behind one completion interface.
//
// The orchestrator only ever sees Request/Result plus the error taxonomy
// (retryable, context overflow, fatal); which SDK serves a profile is decided
// by the provider registry from the profiles config.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/floegence/relay-agent/internal/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in the model request transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCallID and ToolName are set on tool-result messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// ToolCalls replays the calls an assistant turn made, so providers can
	// reconstruct their native transcript shape.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json"`
}

type Request struct {
	Model           string
	Messages        []Message
	Tools           []ToolDef
	MaxOutputTokens int
}

type Result struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string

	InputTokens  int64
	OutputTokens int64
}

// Client is one bound provider endpoint.
type Client interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// NewClient resolves a provider registration to a concrete client. A missing
// API key or an unknown provider type fails fast; there is no default model
// substitution at this layer.
func NewClient(p config.Provider) (Client, error) {
	apiKey := strings.TrimSpace(os.Getenv(strings.TrimSpace(p.APIKeyEnv)))
	if apiKey == "" {
		return nil, fmt.Errorf("provider %q: env %s is empty", p.ID, p.APIKeyEnv)
	}
	switch strings.TrimSpace(p.Type) {
	case config.ProviderTypeAnthropic:
		return newAnthropicClient(apiKey, p.BaseURL), nil
	case config.ProviderTypeOpenAI, config.ProviderTypeOpenAICompatible:
		return newOpenAIClient(apiKey, p.BaseURL), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type)
	}
}

// Error is the normalized provider error surfaced to the orchestrator.
type Error struct {
	Status  int
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Status > 0 {
		return fmt.Sprintf("llm: status %d: %s", e.Status, e.Message)
	}
	return "llm: " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

var overflowHints = []string{
	"prompt is too long",
	"context length",
	"context_length_exceeded",
	"maximum context",
	"input is too long",
	"too many tokens",
}

// IsOverflow reports whether the model endpoint rejected the request for
// exceeding its context window.
func IsOverflow(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == "context_length_exceeded" {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	for _, hint := range overflowHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the failure is transient (rate limit, server
// error, transport failure). Overflow errors are never retryable; they route
// to compaction instead.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsOverflow(err) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 408, apiErr.Status == 409, apiErr.Status == 429:
			return true
		case apiErr.Status >= 500:
			return true
		case apiErr.Status == 0:
			// No HTTP status: transport-level failure.
			return true
		default:
			return false
		}
	}
	// Unclassified non-API errors are treated as transport failures.
	return true
}
