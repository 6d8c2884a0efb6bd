package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	guardotel "github.com/dativo-io/guardrail/internal/otel"
)

var tracer = guardotel.Tracer("github.com/dativo-io/guardrail/internal/llm")

// OpenAIProvider speaks the chat completions API, either to OpenAI itself or
// to any compatible gateway.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider returns a provider for the public OpenAI API.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey)}
}

// NewOpenAIProviderWithBaseURL targets a compatible server. baseURL is
// scheme and host; "/v1" is appended.
func NewOpenAIProviderWithBaseURL(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

// Name identifies the provider in spans, metrics and audit records.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate performs one chat completion and returns the first choice. The
// call is bounded only by ctx.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate", trace.WithAttributes(requestAttrs(p.Name(), req)...))
	defer span.End()

	completion, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    openAIMessages(req.Messages),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Tools:       openAITools(req.Tools),
	})
	if err != nil {
		span.RecordError(err)
		return nil, classify(ctx, "openai api call", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai api call: %w: no choices returned", ErrMalformedResponse)
	}
	msg, finish := completion.Choices[0].Message, string(completion.Choices[0].FinishReason)

	var calls []ToolCall
	for _, tc := range msg.ToolCalls {
		args, err := ParseArguments(tc.Function.Arguments)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("openai tool call %s: %w", tc.Function.Name, err)
		}
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	usage := completion.Usage
	span.SetAttributes(guardotel.Usage(usage.PromptTokens, usage.CompletionTokens, len(calls))...)
	span.SetAttributes(guardotel.GenAIResponseFinishReason.String(finish))
	recordUsage(ctx, p.Name(), completion.Model, usage.PromptTokens, usage.CompletionTokens)

	return &Response{
		Content:      msg.Content,
		FinishReason: finish,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		Model:        completion.Model,
		ToolCalls:    calls,
	}, nil
}

func openAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:       tc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.ArgumentsJSON()},
			})
		}
		out = append(out, cm)
	}
	return out
}

func openAITools(tools []Tool) []openai.Tool {
	var out []openai.Tool
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type:     openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}
