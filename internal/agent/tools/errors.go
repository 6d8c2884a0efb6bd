package tools

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrToolNotFound is returned by Invoke for unregistered tool names.
	ErrToolNotFound = errors.New("tool not found")
	// ErrSchemaViolation matches any *SchemaViolation with errors.Is.
	ErrSchemaViolation = errors.New("tool arguments violate schema")
)

// SchemaViolation reports arguments that do not satisfy a tool's schema.
type SchemaViolation struct {
	Tool    string
	Missing []string
	Errors  []string
}

func (e *SchemaViolation) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("tool %s: missing required field(s): %s", e.Tool, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, ErrSchemaViolation, strings.Join(e.Errors, "; "))
}

// Is matches ErrSchemaViolation.
func (e *SchemaViolation) Is(target error) bool { return target == ErrSchemaViolation }

// ExecutionError wraps a failure raised while a tool ran.
type ExecutionError struct {
	Tool  string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Cause)
}

// Unwrap returns the executor's error.
func (e *ExecutionError) Unwrap() error { return e.Cause }
