// Package tools provides a thread-safe registry of tools the model may call.
// Arguments are validated against each tool's JSON schema before the tool
// runs, and tool failures are returned as results, not errors.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dativo-io/guardrail/internal/llm"
	guardotel "github.com/dativo-io/guardrail/internal/otel"
)

var tracer = guardotel.Tracer("github.com/dativo-io/guardrail/internal/agent/tools")

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 30 * time.Second

// Tool is the interface all tools implement.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// CallResult is the outcome of one tool invocation. Content is what the
// model sees: the tool output, or {"error": "..."} when Err is set.
type CallResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Err        error  `json:"-"`
}

// Failed reports whether the tool returned an error or panicked.
func (r *CallResult) Failed() bool { return r.Err != nil }

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
	params map[string]interface{}
}

// ToolRegistry manages registered tools. Safe for concurrent access.
type ToolRegistry struct {
	tools   map[string]*entry
	mu      sync.RWMutex
	timeout time.Duration
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]*entry),
		timeout: DefaultTimeout,
	}
}

// SetTimeout changes the per-call execution timeout.
func (r *ToolRegistry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

// Register adds a tool, replacing any tool with the same name. The tool's
// schema must be a valid JSON schema object.
func (r *ToolRegistry) Register(tool Tool) error {
	raw := tool.InputSchema()
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", tool.Name(), err)
	}
	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("tool %s: input schema is not an object: %w", tool.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = &entry{tool: tool, schema: schema, params: params}
	return nil
}

// MustRegister is Register for static tool sets; it panics on error.
func (r *ToolRegistry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// RegisterFunc registers fn under name with the given schema.
func (r *ToolRegistry) RegisterFunc(name, description string, schema json.RawMessage, fn ExecutorFunc) error {
	return r.Register(&funcTool{name: name, description: description, schema: schema, fn: fn})
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.tools[name]
	if !exists {
		return nil, false
	}
	return e.tool, true
}

// List returns all registered tools sorted by name.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		result = append(result, e.tool)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Definitions returns the tool definitions to offer the model, sorted by name.
func (r *ToolRegistry) Definitions() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.Tool, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, llm.Tool{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.params,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke validates call.Arguments and runs the tool. It returns
// ErrToolNotFound for unknown tools and *SchemaViolation for invalid
// arguments; in both cases nothing is executed. Execution failures, panics
// included, are reported in CallResult.Err with a nil error.
func (r *ToolRegistry) Invoke(ctx context.Context, call llm.ToolCall) (*CallResult, error) {
	ctx, span := tracer.Start(ctx, "tools.invoke")
	defer span.End()
	span.SetAttributes(guardotel.GenAIToolName.String(call.Name))

	r.mu.RLock()
	e, ok := r.tools[call.Name]
	timeout := r.timeout
	r.mu.RUnlock()
	if !ok {
		recordCall(ctx, call.Name, "not_found")
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	if v := validateArgs(e.schema, call.Name, args); v != nil {
		span.RecordError(v)
		recordCall(ctx, call.Name, "schema_violation")
		log.Warn().Str("tool", call.Name).Strs("missing", v.Missing).Msg("tool_schema_violation")
		return nil, v
	}

	params, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: encoding arguments: %w", call.Name, err)
	}

	result := &CallResult{ToolCallID: call.ID, Name: call.Name}
	out, err := execute(ctx, e.tool, params, timeout)
	if err != nil {
		result.Err = &ExecutionError{Tool: call.Name, Cause: err}
		result.Content = errorContent(err)
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("tool.failed", true))
		recordCall(ctx, call.Name, "error")
		log.Warn().Str("tool", call.Name).Err(err).Msg("tool_invocation_failed")
		return result, nil
	}
	result.Content = string(out)
	recordCall(ctx, call.Name, "ok")
	return result, nil
}

func execute(ctx context.Context, tool Tool, params json.RawMessage, timeout time.Duration) (out json.RawMessage, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	out, err = tool.Execute(ctx, params)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && !json.Valid(out) {
		b, _ := json.Marshal(string(out))
		out = b
	}
	return out, err
}

func validateArgs(schema *gojsonschema.Schema, name string, args map[string]interface{}) *SchemaViolation {
	res, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &SchemaViolation{Tool: name, Errors: []string{err.Error()}}
	}
	if res.Valid() {
		return nil
	}
	v := &SchemaViolation{Tool: name}
	for _, re := range res.Errors() {
		if re.Type() == "required" {
			if p, ok := re.Details()["property"].(string); ok {
				v.Missing = append(v.Missing, p)
			}
		}
		v.Errors = append(v.Errors, re.String())
	}
	sort.Strings(v.Missing)
	return v
}

func errorContent(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}
