package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/guardrail/internal/llm"
)

func builtinRegistry(t *testing.T) *ToolRegistry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	return r
}

func TestBuiltin_Add(t *testing.T) {
	r := builtinRegistry(t)
	res, err := r.Invoke(context.Background(), llm.ToolCall{ID: "c1", Name: "add", Arguments: map[string]interface{}{"a": 1.0, "b": 2.0}})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.Equal(t, "3", res.Content)
	assert.Equal(t, "add", res.Name)
}

func TestBuiltin_AddRejectsExtraFields(t *testing.T) {
	r := builtinRegistry(t)
	_, err := r.Invoke(context.Background(), llm.ToolCall{Name: "add", Arguments: map[string]interface{}{"a": 1.0, "b": 2.0, "cmd": "rm"}})
	require.ErrorIs(t, err, ErrSchemaViolation)
}

func TestBuiltin_SolveQuadratic(t *testing.T) {
	r := builtinRegistry(t)
	tests := []struct {
		name    string
		a, b, c float64
		want    string
		failed  bool
	}{
		{"two roots", 1, -3, 2, `{"root1":2,"root2":1}`, false},
		{"double root", 1, 2, 1, `{"root":-1}`, false},
		{"no real roots", 1, 0, 1, `{"error":"no real roots"}`, true},
		{"not quadratic", 0, 2, 1, ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Invoke(context.Background(), llm.ToolCall{Name: "solve_quadratic", Arguments: map[string]interface{}{"a": tt.a, "b": tt.b, "c": tt.c}})
			require.NoError(t, err)
			assert.Equal(t, tt.failed, res.Failed())
			if tt.want != "" {
				assert.JSONEq(t, tt.want, res.Content)
			}
		})
	}
}

func TestBuiltin_Calculate(t *testing.T) {
	r := builtinRegistry(t)
	res, err := r.Invoke(context.Background(), llm.ToolCall{Name: "calculate", Arguments: map[string]interface{}{"expression": "(2 + 3) * 4"}})
	require.NoError(t, err)
	assert.Equal(t, "20", res.Content)

	res, err = r.Invoke(context.Background(), llm.ToolCall{Name: "calculate", Arguments: map[string]interface{}{"expression": "__import__('os').system('id')"}})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, ErrInvalidExpression)
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"1 + 2", 3},
		{"2 * 3 + 4", 10},
		{"2 * (3 + 4)", 14},
		{"-3 + 5", 2},
		{"--3", 3},
		{"2 ^ 3 ^ 2", 512},
		{"-2 ^ 2", -4},
		{"2 ^ -1", 0.5},
		{"10 % 4", 2},
		{"7 / 2", 3.5},
		{" 1.5 * 2 ", 3},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	for _, expr := range []string{"", "1 +", "(1 + 2", "1 2", "abs(1)", "x", "1..2", "1 / 0", "5 % 0", "10 ^ 400"} {
		t.Run(expr, func(t *testing.T) {
			_, err := Evaluate(expr)
			require.Error(t, err)
		})
	}
}

func TestSolveQuadratic(t *testing.T) {
	roots, err := SolveQuadratic(1, -3, 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"root1": 2, "root2": 1}, roots)

	_, err = SolveQuadratic(1, 0, 1)
	require.ErrorIs(t, err, ErrNoRealRoots)
}
