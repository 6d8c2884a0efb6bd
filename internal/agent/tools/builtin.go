package tools

import (
	"context"
	"encoding/json"
	"errors"
	"math"
)

// ErrNoRealRoots is returned by solve_quadratic for a negative discriminant.
var ErrNoRealRoots = errors.New("no real roots")

var addSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"a": {"type": "number", "description": "First addend"},
		"b": {"type": "number", "description": "Second addend"}
	},
	"required": ["a", "b"],
	"additionalProperties": false
}`)

var calculateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"expression": {
			"type": "string",
			"description": "Arithmetic expression using numbers, + - * / % ^ and parentheses",
			"maxLength": 256
		}
	},
	"required": ["expression"],
	"additionalProperties": false
}`)

var quadraticSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"a": {"type": "number", "description": "Coefficient of x^2"},
		"b": {"type": "number", "description": "Coefficient of x"},
		"c": {"type": "number", "description": "Constant term"}
	},
	"required": ["a", "b", "c"],
	"additionalProperties": false
}`)

// RegisterBuiltins adds the add, calculate and solve_quadratic tools.
func RegisterBuiltins(r *ToolRegistry) error {
	for _, b := range []struct {
		name, desc string
		schema     json.RawMessage
		fn         ExecutorFunc
	}{
		{"add", "Adds two numbers and returns the sum.", addSchema, addTool},
		{"calculate", "Evaluates an arithmetic expression and returns the result.", calculateSchema, calculateTool},
		{"solve_quadratic", "Solves a quadratic equation given coefficients a, b, and c.", quadraticSchema, quadraticTool},
	} {
		if err := r.RegisterFunc(b.name, b.desc, b.schema, b.fn); err != nil {
			return err
		}
	}
	return nil
}

func addTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	a, err := Number(args, "a")
	if err != nil {
		return nil, err
	}
	b, err := Number(args, "b")
	if err != nil {
		return nil, err
	}
	return a + b, nil
}

func calculateTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	expr, _ := args["expression"].(string)
	return Evaluate(expr)
}

func quadraticTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	var coef [3]float64
	for i, k := range []string{"a", "b", "c"} {
		v, err := Number(args, k)
		if err != nil {
			return nil, err
		}
		coef[i] = v
	}
	return SolveQuadratic(coef[0], coef[1], coef[2])
}

// SolveQuadratic returns the real roots of ax^2 + bx + c = 0 as
// {"root": x} for a double root or {"root1": x1, "root2": x2}.
func SolveQuadratic(a, b, c float64) (map[string]float64, error) {
	if a == 0 {
		return nil, errors.New("coefficient a must be non-zero")
	}
	d := b*b - 4*a*c
	switch {
	case d < 0:
		return nil, ErrNoRealRoots
	case d == 0:
		return map[string]float64{"root": -b / (2 * a)}, nil
	default:
		sq := math.Sqrt(d)
		return map[string]float64{
			"root1": (-b + sq) / (2 * a),
			"root2": (-b - sq) / (2 * a),
		}, nil
	}
}
