package agent

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/guardrail/internal/vault"
)

// restoreArguments swaps vault placeholders in string arguments, nested
// values included, back to their originals so the tool sees real data. The
// model only ever produced placeholders. It returns a new map and the
// number of placeholders restored.
func restoreArguments(ctx context.Context, v *vault.Vault, toolName string, args map[string]interface{}) (map[string]interface{}, int) {
	if v == nil || len(args) == 0 {
		return args, 0
	}
	_, span := tracer.Start(ctx, "tool_pii.restore_arguments",
		trace.WithAttributes(attribute.String("tool_name", toolName)))
	defer span.End()

	restored := 0
	fn := func(s string) string {
		known := v.PlaceholdersIn(s)
		if len(known) == 0 {
			return s
		}
		restored += len(known)
		out, _ := v.Deanonymize(ctx, s)
		return out
	}
	out, _ := mapStrings(args, fn).(map[string]interface{})
	span.SetAttributes(attribute.Int("placeholders_restored", restored))
	return out, restored
}

// anonymizeResult runs tool output through the vault before it joins the
// conversation, so the next model call never sees raw PII a tool returned.
func anonymizeResult(ctx context.Context, v *vault.Vault, toolName, content string) (string, int) {
	if v == nil || content == "" {
		return content, 0
	}
	_, span := tracer.Start(ctx, "tool_pii.anonymize_result",
		trace.WithAttributes(attribute.String("tool_name", toolName)))
	defer span.End()

	out, entities := v.Anonymize(ctx, content)
	span.SetAttributes(attribute.Int("entities_anonymized", len(entities)))
	return out, len(entities)
}

func mapStrings(value interface{}, fn func(string) string) interface{} {
	switch v := value.(type) {
	case string:
		return fn(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = mapStrings(item, fn)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = mapStrings(item, fn)
		}
		return out
	default:
		return v
	}
}
