package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	guardotel "github.com/dativo-io/guardrail/internal/otel"
)

var tracer = guardotel.Tracer("github.com/dativo-io/guardrail/internal/policy")

// ToolPolicy controls which tool calls the orchestrator may execute.
// The zero value allows every registered tool.
type ToolPolicy struct {
	// AllowedTools, when non-empty, is the complete list of callable tools.
	AllowedTools []string `yaml:"allowed_tools" json:"allowed_tools"`
	DeniedTools  []string `yaml:"denied_tools" json:"denied_tools"`
	// MaxCallsPerRun caps tool executions in one orchestration; 0 disables.
	MaxCallsPerRun int `yaml:"max_calls_per_run" json:"max_calls_per_run"`
	// ForbiddenArgPatterns are regular expressions no string argument may match.
	ForbiddenArgPatterns []string `yaml:"forbidden_arg_patterns" json:"forbidden_arg_patterns"`

	VersionTag string `yaml:"-" json:"-"`
}

// LoadToolPolicy reads a YAML tool policy. An empty path returns the
// permissive default.
func LoadToolPolicy(ctx context.Context, path string) (*ToolPolicy, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	if path == "" {
		return DefaultToolPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tool policy %s: %w", path, err)
	}
	return ParseToolPolicy(data)
}

// ParseToolPolicy decodes and validates YAML policy bytes.
func ParseToolPolicy(data []byte) (*ToolPolicy, error) {
	var pol ToolPolicy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("parsing tool policy: %w", err)
	}
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	pol.ComputeHash(data)
	return &pol, nil
}

// DefaultToolPolicy allows every tool.
func DefaultToolPolicy() *ToolPolicy {
	pol := &ToolPolicy{}
	pol.ComputeHash(nil)
	return pol
}

// Validate checks limits and that every forbidden pattern compiles.
func (p *ToolPolicy) Validate() error {
	if p.MaxCallsPerRun < 0 {
		return fmt.Errorf("max_calls_per_run must be >= 0, got %d", p.MaxCallsPerRun)
	}
	for _, pat := range p.ForbiddenArgPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("forbidden_arg_patterns: %q: %w", pat, err)
		}
	}
	return nil
}

// ComputeHash sets VersionTag from the policy source bytes.
func (p *ToolPolicy) ComputeHash(content []byte) {
	sum := sha256.Sum256(content)
	p.VersionTag = "v1:" + hex.EncodeToString(sum[:])[:12]
}
