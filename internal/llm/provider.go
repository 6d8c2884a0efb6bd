// Package llm is the boundary to the model backend. Providers translate a
// provider-neutral Request into one chat completion call and report any tool
// calls the model asked for.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Timeouts and request defaults.
const (
	TimeoutLLMCall     = 60 * time.Second // default per-call budget applied by callers
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Domain errors for the LLM package.
var (
	ErrProviderNotAvailable = errors.New("provider not available")
	// ErrTimeout marks a call that exceeded its deadline.
	ErrTimeout = errors.New("model call timed out")
	// ErrUnavailable marks any other transport or API failure.
	ErrUnavailable = errors.New("model backend unavailable")
	// ErrMalformedResponse marks a response the provider could not interpret,
	// such as tool arguments that are not a JSON object.
	ErrMalformedResponse = errors.New("malformed model response")
)

// Provider is the interface all model backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "ollama").
	Name() string
	// Generate sends a completion request and returns the response.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request represents one generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []Tool
}

// Message is one conversation turn. Assistant turns may carry ToolCalls;
// tool turns carry the ToolCallID they answer.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Response represents a generation response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	ToolCalls    []ToolCall
}

// HasToolCalls reports whether the model asked for at least one tool.
func (r *Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// ToolCall is a request from the model to call a tool.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ArgumentsJSON encodes the arguments for transport back to a provider.
func (c ToolCall) ArgumentsJSON() string {
	if c.Arguments == nil {
		return "{}"
	}
	b, err := json.Marshal(c.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ParseArguments decodes tool-call arguments, which must be a JSON object.
// An empty string is treated as an empty object.
func ParseArguments(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: tool arguments are not a JSON object: %v", ErrMalformedResponse, err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// classify maps a transport error onto ErrTimeout or ErrUnavailable,
// keeping the original error in the chain.
func classify(ctx context.Context, provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", provider, ErrTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %w", provider, ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", provider, err)
	}
	return fmt.Errorf("%s: %w: %w", provider, ErrUnavailable, err)
}
