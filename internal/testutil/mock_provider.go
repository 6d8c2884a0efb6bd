// Package testutil provides shared test helpers and mocks for guardrail tests.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/dativo-io/guardrail/internal/llm"
)

// MockProvider implements llm.Provider with one canned answer.
// Set Err to simulate backend errors.
type MockProvider struct {
	ProviderName string // "" = "mock"
	Content      string // "" = "mock response"
	Err          error
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Generate returns the canned response or the configured error.
func (m *MockProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	content := m.Content
	if content == "" {
		content = "mock response"
	}
	return &llm.Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        req.Model,
	}, nil
}

// ToolCallMockProvider returns a configurable sequence of responses (for
// example a tool call, then a final answer), recording every request.
// Set ErrOnCall (1-based) and Err to fail a specific call.
type ToolCallMockProvider struct {
	mu               sync.Mutex
	Responses        []*llm.Response // call N gets Responses[N], or the last one
	CallCount        int
	ReceivedMessages [][]llm.Message
	ReceivedTools    [][]llm.Tool
	ErrOnCall        int
	Err              error
}

// Name returns "mock-tools".
func (p *ToolCallMockProvider) Name() string { return "mock-tools" }

// Generate returns the next response in the sequence.
func (p *ToolCallMockProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.CallCount++
	idx := p.CallCount - 1
	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	p.ReceivedMessages = append(p.ReceivedMessages, msgs)
	p.ReceivedTools = append(p.ReceivedTools, req.Tools)
	resps, callCount, errOnCall, errReturn := p.Responses, p.CallCount, p.ErrOnCall, p.Err
	p.mu.Unlock()

	if errOnCall > 0 && callCount == errOnCall && errReturn != nil {
		return nil, errReturn
	}
	if len(resps) == 0 {
		return &llm.Response{Content: "no responses configured", FinishReason: "stop", Model: req.Model}, nil
	}
	if idx >= len(resps) {
		idx = len(resps) - 1
	}
	out := *resps[idx]
	if len(out.ToolCalls) > 0 {
		out.ToolCalls = append([]llm.ToolCall(nil), out.ToolCalls...)
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return &out, nil
}

// Calls returns the number of Generate calls so far.
func (p *ToolCallMockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCount
}

// Messages returns the messages of the n-th call (0-based).
func (p *ToolCallMockProvider) Messages(n int) []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 || n >= len(p.ReceivedMessages) {
		return nil
	}
	return p.ReceivedMessages[n]
}

// BlockingProvider blocks until its context ends, then returns the context
// error wrapped the way real providers do.
type BlockingProvider struct{}

// Name returns "blocking".
func (BlockingProvider) Name() string { return "blocking" }

// Generate waits for ctx.
func (BlockingProvider) Generate(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, errors.Join(llm.ErrTimeout, ctx.Err())
	}
	return nil, errors.Join(llm.ErrUnavailable, ctx.Err())
}

// ToolCallResponse builds a response requesting one tool call.
func ToolCallResponse(id, name string, args map[string]interface{}) *llm.Response {
	return &llm.Response{
		FinishReason: "tool_calls",
		ToolCalls:    []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
	}
}

// TextResponse builds a plain answer.
func TextResponse(content string) *llm.Response {
	return &llm.Response{Content: content, FinishReason: "stop"}
}
