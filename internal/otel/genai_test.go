package otel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestModelCall_Attributes(t *testing.T) {
	got := attrMap(ModelCall{System: "openai", Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 500}.Attributes())
	assert.Equal(t, "openai", got["gen_ai.system"].AsString())
	assert.Equal(t, "gpt-4o-mini", got["gen_ai.request.model"].AsString())
	assert.Equal(t, 0.7, got["gen_ai.request.temperature"].AsFloat64())
	assert.Equal(t, int64(500), got["gen_ai.request.max_tokens"].AsInt64())
}

func TestUsage(t *testing.T) {
	got := attrMap(Usage(150, 300, 2))
	assert.Equal(t, int64(150), got["gen_ai.usage.input_tokens"].AsInt64())
	assert.Equal(t, int64(300), got["gen_ai.usage.output_tokens"].AsInt64())
	assert.Equal(t, int64(2), got["gen_ai.response.tool_calls"].AsInt64())
}
