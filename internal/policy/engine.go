package policy

import (
	"context"
	"embed"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var regoFS embed.FS

const (
	gateModule = "rego/tool_access.rego"
	gateQuery  = "data.guardrail.policy.tool_access.deny"
)

// ToolRequest is one tool call the model asked for, after placeholders in
// its arguments were restored.
type ToolRequest struct {
	Tool    string
	Params  map[string]interface{}
	History []string // tools already executed this turn, in order
}

// regoInput renders r as OPA input. Collections are never nil so count()
// and iteration in the module stay defined.
func (r ToolRequest) regoInput() map[string]interface{} {
	params := r.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	return map[string]interface{}{
		"tool_name":    r.Tool,
		"params":       params,
		"tool_history": regoList(r.History),
	}
}

// Decision is the gate's verdict on a ToolRequest.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// Action returns "allow" or "deny".
func (d *Decision) Action() string {
	if d.Allowed {
		return "allow"
	}
	return "deny"
}

// ToolGate decides tool calls with an embedded Rego module. The policy is
// loaded as OPA data once; the gate is safe for concurrent use.
type ToolGate struct {
	policy *ToolPolicy
	query  rego.PreparedEvalQuery
}

// NewToolGate prepares the gate for pol. A nil pol allows every tool.
func NewToolGate(ctx context.Context, pol *ToolPolicy) (*ToolGate, error) {
	ctx, span := tracer.Start(ctx, "policy.gate.prepare")
	defer span.End()

	if pol == nil {
		pol = DefaultToolPolicy()
	}
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	src, err := regoFS.ReadFile(gateModule)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", gateModule, err)
	}

	data := map[string]interface{}{
		"policy": map[string]interface{}{
			"allowed_tools":          regoList(pol.AllowedTools),
			"denied_tools":           regoList(pol.DeniedTools),
			"max_calls_per_run":      pol.MaxCallsPerRun,
			"forbidden_arg_patterns": regoList(pol.ForbiddenArgPatterns),
		},
	}
	query, err := rego.New(
		rego.Query(gateQuery),
		rego.Module(gateModule, string(src)),
		rego.Store(inmem.NewFromObject(data)),
	).PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rego prepare failed")
		return nil, fmt.Errorf("compiling %s: %w", gateModule, err)
	}
	return &ToolGate{policy: pol, query: query}, nil
}

// Policy returns the policy the gate enforces.
func (g *ToolGate) Policy() *ToolPolicy { return g.policy }

// Evaluate decides req. An error means the module could not be evaluated,
// not that the call was denied.
func (g *ToolGate) Evaluate(ctx context.Context, req ToolRequest) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.gate.evaluate", trace.WithAttributes(
		attribute.String("tool.name", req.Tool),
		attribute.Int("tool.history", len(req.History)),
	))
	defer span.End()

	rs, err := g.query.Eval(ctx, rego.EvalInput(req.regoInput()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rego eval failed")
		return nil, fmt.Errorf("evaluating tool policy: %w", err)
	}

	reasons := collectReasons(rs)
	d := &Decision{
		Allowed:       len(reasons) == 0,
		Reasons:       reasons,
		PolicyVersion: g.policy.VersionTag,
	}
	span.SetAttributes(
		attribute.String("policy.action", d.Action()),
		attribute.Int("policy.reasons", len(reasons)),
	)
	return d, nil
}

// collectReasons flattens the deny set. Partial evaluation can surface it
// as an array or an object, so both are accepted.
func collectReasons(rs rego.ResultSet) []string {
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil
	}
	var values []interface{}
	switch v := rs[0].Expressions[0].Value.(type) {
	case []interface{}:
		values = v
	case map[string]interface{}:
		for _, x := range v {
			values = append(values, x)
		}
	}
	reasons := make([]string, 0, len(values))
	for _, x := range values {
		if s, ok := x.(string); ok {
			reasons = append(reasons, s)
		}
	}
	if len(reasons) == 0 {
		return nil
	}
	sort.Strings(reasons)
	return reasons
}

// regoList copies s into a non-nil []interface{} for OPA.
func regoList(s []string) []interface{} {
	out := make([]interface{}, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	return out
}
