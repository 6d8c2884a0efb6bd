package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	guardotel "github.com/dativo-io/guardrail/internal/otel"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider talks to a local Ollama server over its /api/chat endpoint.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
}

// NewOllamaProvider returns a provider for baseURL, or the default local
// address when baseURL is empty.
func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaProvider{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{}}
}

// Name identifies the provider in spans, metrics and audit records.
func (p *OllamaProvider) Name() string { return "ollama" }

// Wire types for /api/chat with stream=false.
type (
	ollamaChat struct {
		Model    string       `json:"model"`
		Messages []ollamaMsg  `json:"messages"`
		Stream   bool         `json:"stream"`
		Tools    []ollamaTool `json:"tools,omitempty"`
		Options  *ollamaOpts  `json:"options,omitempty"`
	}
	ollamaOpts struct {
		Temperature float64 `json:"temperature,omitempty"`
		NumPredict  int     `json:"num_predict,omitempty"`
	}
	ollamaMsg struct {
		Role      string       `json:"role"`
		Content   string       `json:"content"`
		ToolCalls []ollamaCall `json:"tool_calls,omitempty"`
	}
	ollamaTool struct {
		Type     string     `json:"type"`
		Function ollamaFunc `json:"function"`
	}
	ollamaFunc struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	}
	ollamaCall struct {
		Function struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
	}
	ollamaReply struct {
		Message    ollamaMsg `json:"message"`
		DoneReason string    `json:"done_reason"`
		PromptEval int       `json:"prompt_eval_count"`
		Eval       int       `json:"eval_count"`
	}
)

func newOllamaChat(req *Request) ollamaChat {
	chat := ollamaChat{Model: req.Model, Messages: make([]ollamaMsg, 0, len(req.Messages))}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		chat.Options = &ollamaOpts{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	for _, m := range req.Messages {
		msg := ollamaMsg{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var c ollamaCall
			c.Function.Name = tc.Name
			c.Function.Arguments = json.RawMessage(tc.ArgumentsJSON())
			msg.ToolCalls = append(msg.ToolCalls, c)
		}
		chat.Messages = append(chat.Messages, msg)
	}
	for _, t := range req.Tools {
		chat.Tools = append(chat.Tools, ollamaTool{
			Type:     "function",
			Function: ollamaFunc{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return chat
}

// Generate performs one non-streaming chat round trip, bounded only by ctx.
func (p *OllamaProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate", trace.WithAttributes(requestAttrs(p.Name(), req)...))
	defer span.End()

	reply, err := p.chat(ctx, newOllamaChat(req))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	calls, err := fromOllamaToolCalls(reply.Message.ToolCalls)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	in, out := reply.PromptEval, reply.Eval
	if in == 0 && out == 0 {
		in, out = estimateTokens(req.Messages), len(reply.Message.Content)/4
	}
	span.SetAttributes(guardotel.Usage(in, out, len(calls))...)
	recordUsage(ctx, p.Name(), req.Model, in, out)

	resp := &Response{
		Content:      reply.Message.Content,
		FinishReason: reply.DoneReason,
		InputTokens:  in,
		OutputTokens: out,
		Model:        req.Model,
		ToolCalls:    calls,
	}
	switch {
	case len(calls) > 0:
		resp.FinishReason = "tool_calls"
	case resp.FinishReason == "":
		resp.FinishReason = "stop"
	}
	return resp, nil
}

func (p *OllamaProvider) chat(ctx context.Context, body ollamaChat) (*ollamaReply, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding ollama chat: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, "ollama chat", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("ollama returned %d: %w: %s", httpResp.StatusCode, ErrUnavailable, bytes.TrimSpace(detail))
	}
	var reply ollamaReply
	if err := json.NewDecoder(httpResp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decoding ollama reply: %w: %v", ErrMalformedResponse, err)
	}
	return &reply, nil
}

// estimateTokens approximates prompt size for Ollama builds that omit eval
// counts.
func estimateTokens(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content) / 4
	}
	return n
}

// fromOllamaToolCalls accepts arguments either as a JSON object or as a
// string holding one. Ollama assigns no call IDs, so positional IDs are
// minted.
func fromOllamaToolCalls(raw []ollamaCall) ([]ToolCall, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	calls := make([]ToolCall, 0, len(raw))
	for i, c := range raw {
		text := string(c.Function.Arguments)
		var quoted string
		if json.Unmarshal(c.Function.Arguments, &quoted) == nil {
			text = quoted
		}
		if text == "null" {
			text = ""
		}
		args, err := ParseArguments(text)
		if err != nil {
			return nil, fmt.Errorf("ollama tool call %s: %w", c.Function.Name, err)
		}
		calls = append(calls, ToolCall{ID: fmt.Sprintf("call_%d", i), Name: c.Function.Name, Arguments: args})
	}
	return calls, nil
}
