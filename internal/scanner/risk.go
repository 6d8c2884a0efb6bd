package scanner

import (
	"context"
	"fmt"
	"math"

	"github.com/dativo-io/guardrail/internal/classifier"
)

// Risk delegates to a classifier and rejects text scoring at or above its
// threshold. Text passes through unchanged.
type Risk struct {
	name       string
	classifier classifier.Classifier
	threshold  float64
	usePrompt  bool
}

// RiskOption configures a Risk scanner.
type RiskOption func(*Risk)

// WithThreshold overrides the rejection threshold.
func WithThreshold(t float64) RiskOption {
	return func(r *Risk) {
		if t > 0 {
			r.threshold = t
		}
	}
}

// NewRisk builds a named risk scanner.
func NewRisk(name string, c classifier.Classifier, opts ...RiskOption) *Risk {
	r := &Risk{name: name, classifier: c, threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewPromptInjection scores input for instruction-override attempts.
func NewPromptInjection(c classifier.Classifier, opts ...RiskOption) *Risk {
	return NewRisk(NamePromptInjection, c, opts...)
}

// NewToxicity scores text for abusive language.
func NewToxicity(c classifier.Classifier, opts ...RiskOption) *Risk {
	return NewRisk(NameToxicity, c, opts...)
}

// NewNoRefusal scores model output for refusals.
func NewNoRefusal(c classifier.Classifier, opts ...RiskOption) *Risk {
	return NewRisk(NameNoRefusal, c, opts...)
}

// DefaultRelevanceThreshold is higher than DefaultThreshold because
// vocabulary overlap between a question and a good answer is usually low.
const DefaultRelevanceThreshold = 0.85

// NewRelevance scores model output against the prompt it answers.
func NewRelevance(c classifier.Classifier, opts ...RiskOption) *Risk {
	r := NewRisk(NameRelevance, c, append([]RiskOption{WithThreshold(DefaultRelevanceThreshold)}, opts...)...)
	r.usePrompt = true
	return r
}

// NewSensitive scores model output for PII the session did not supply.
func NewSensitive(c classifier.Classifier, opts ...RiskOption) *Risk {
	return NewRisk(NameSensitive, c, opts...)
}

// Name implements Scanner.
func (r *Risk) Name() string { return r.name }

// Threshold returns the configured rejection threshold.
func (r *Risk) Threshold() float64 { return r.threshold }

// Scan implements Scanner.
func (r *Risk) Scan(ctx context.Context, text, prompt string) Result {
	prior := ""
	if r.usePrompt {
		prior = prompt
	}
	score, err := r.classifier.Classify(ctx, text, prior)
	if err != nil {
		return Fault(r.name, text, fmt.Errorf("classifier %s: %w", r.classifier.Name(), err))
	}
	if math.IsNaN(score) {
		return Fault(r.name, text, fmt.Errorf("classifier %s returned NaN", r.classifier.Name()))
	}
	score = math.Max(0, math.Min(1, score))
	return Result{Sanitized: text, Valid: score < r.threshold, Score: score}
}
