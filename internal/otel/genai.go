package otel

import "go.opentelemetry.io/otel/attribute"

// Model call keys follow the OpenTelemetry GenAI conventions.
const (
	GenAISystem               = attribute.Key("gen_ai.system")
	GenAIRequestModel         = attribute.Key("gen_ai.request.model")
	GenAIRequestTemperature   = attribute.Key("gen_ai.request.temperature")
	GenAIRequestMaxTokens     = attribute.Key("gen_ai.request.max_tokens")
	GenAIUsageInputTokens     = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokens    = attribute.Key("gen_ai.usage.output_tokens")
	GenAIResponseFinishReason = attribute.Key("gen_ai.response.finish_reason")
	GenAIResponseToolCalls    = attribute.Key("gen_ai.response.tool_calls")
	GenAIToolName             = attribute.Key("gen_ai.tool.name")
)

// Guardrail keys shared by the scan pipeline, orchestrator and audit store.
const (
	ScanPipeline = attribute.Key("guardrail.scan.pipeline")
	ScanScanner  = attribute.Key("guardrail.scan.scanner")
	ScanValid    = attribute.Key("guardrail.scan.valid")
	ScanScore    = attribute.Key("guardrail.scan.score")
	SessionID    = attribute.Key("guardrail.session_id")
)

// ModelCall describes one request to a model backend.
type ModelCall struct {
	System      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Attributes returns the request-side span attributes.
func (c ModelCall) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAISystem.String(c.System),
		GenAIRequestModel.String(c.Model),
		GenAIRequestTemperature.Float64(c.Temperature),
		GenAIRequestMaxTokens.Int(c.MaxTokens),
	}
}

// Usage returns the response-side attributes of a finished call.
func Usage(inputTokens, outputTokens, toolCalls int) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAIUsageInputTokens.Int(inputTokens),
		GenAIUsageOutputTokens.Int(outputTokens),
		GenAIResponseToolCalls.Int(toolCalls),
	}
}
