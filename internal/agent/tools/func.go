package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// ExecutorFunc runs a tool with decoded arguments. The returned value is
// JSON-encoded to form the tool result.
type ExecutorFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

type funcTool struct {
	name        string
	description string
	schema      json.RawMessage
	fn          ExecutorFunc
}

func (f *funcTool) Name() string                 { return f.name }
func (f *funcTool) Description() string          { return f.description }
func (f *funcTool) InputSchema() json.RawMessage { return f.schema }

func (f *funcTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args map[string]interface{}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	v, err := f.fn(ctx, args)
	if err != nil {
		return nil, err
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Number reads a numeric argument. Schema validation has already checked
// presence and type, so a miss here is a programming error in the schema.
func Number(args map[string]interface{}, key string) (float64, error) {
	switch v := args[key].(type) {
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("argument %q is not a number", key)
	}
}
