package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/dativo-io/guardrail/patterns"
)

// Classifier scores text for a single risk. Scores are in [0,1]; higher means
// riskier. prior is optional text such as the prompt that produced an
// output. Implementations must be safe for concurrent use.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, text, prior string) (float64, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc struct {
	ID string
	Fn func(ctx context.Context, text, prior string) (float64, error)
}

// Name implements Classifier.
func (f ClassifierFunc) Name() string { return f.ID }

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, text, prior string) (float64, error) {
	return f.Fn(ctx, text, prior)
}

// Match is one pattern hit reported by a PatternClassifier.
type Match struct {
	Recognizer string  `json:"recognizer"`
	Pattern    string  `json:"pattern"`
	Severity   int     `json:"severity"`
	Score      float64 `json:"score"`
	Position   int     `json:"position"`
}

// PatternClassifier scores text by the strongest matching regex pattern.
type PatternClassifier struct {
	name     string
	patterns []CompiledPattern
}

// NewPatternClassifier compiles recognizers into a classifier named name.
func NewPatternClassifier(name string, recs []RecognizerConfig) (*PatternClassifier, error) {
	compiled, err := CompilePatterns(recs)
	if err != nil {
		return nil, err
	}
	if len(compiled) == 0 {
		return nil, fmt.Errorf("classifier %s: no patterns", name)
	}
	return &PatternClassifier{name: name, patterns: compiled}, nil
}

func newEmbedded(name string, data []byte) (*PatternClassifier, error) {
	rf, err := ParseRecognizerFile(data)
	if err != nil {
		return nil, fmt.Errorf("classifier %s: %w", name, err)
	}
	return NewPatternClassifier(name, rf.Recognizers)
}

// NewInjectionClassifier returns the default prompt-injection classifier.
func NewInjectionClassifier() (*PatternClassifier, error) {
	return newEmbedded("prompt_injection", patterns.InjectionYAML())
}

// NewToxicityClassifier returns the default lexicon toxicity classifier.
func NewToxicityClassifier() (*PatternClassifier, error) {
	return newEmbedded("toxicity", patterns.ToxicityYAML())
}

// NewRefusalClassifier returns the default model-refusal classifier.
func NewRefusalClassifier() (*PatternClassifier, error) {
	return newEmbedded("no_refusal", patterns.RefusalYAML())
}

// Name implements Classifier.
func (c *PatternClassifier) Name() string { return c.name }

// Classify returns the highest score among matching patterns, or 0.
func (c *PatternClassifier) Classify(ctx context.Context, text, _ string) (float64, error) {
	_, span := tracer.Start(ctx, "classifier.classify")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	score := 0.0
	for _, m := range c.Matches(text) {
		if m.Score > score {
			score = m.Score
		}
	}
	spanAttrs(span, c.name, score)
	return score, nil
}

// Matches returns every pattern hit in text, in pattern order.
func (c *PatternClassifier) Matches(text string) []Match {
	var out []Match
	for _, p := range c.patterns {
		loc := p.Pattern.FindStringIndex(text)
		if loc == nil {
			continue
		}
		out = append(out, Match{
			Recognizer: p.Recognizer,
			Pattern:    p.Name,
			Severity:   p.Severity,
			Score:      p.Score,
			Position:   loc[0],
		})
	}
	return out
}

// KnownValues reports values already known to be safe, such as originals
// restored from the session vault.
type KnownValues interface {
	Contains(value string) bool
}

// SensitiveClassifier scores output text by the share of it covered by PII.
// Values reported by Known are ignored, so restoring a user's own data is not
// flagged as a leak.
type SensitiveClassifier struct {
	detector *Detector
	known    KnownValues
}

// NewSensitiveClassifier wraps detector. known may be nil.
func NewSensitiveClassifier(detector *Detector, known KnownValues) *SensitiveClassifier {
	return &SensitiveClassifier{detector: detector, known: known}
}

// Name implements Classifier.
func (c *SensitiveClassifier) Name() string { return "sensitive" }

// Classify returns 0 when no unknown PII is present. Otherwise the score is
// the highest detection confidence, so a single leaked email fails a 0.5
// threshold regardless of how long the surrounding text is.
func (c *SensitiveClassifier) Classify(ctx context.Context, text, _ string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	score := 0.0
	for _, s := range c.Leaks(ctx, text) {
		if s.Score > score {
			score = s.Score
		}
	}
	return score, nil
}

// Leaks returns detected spans that are not known values.
func (c *SensitiveClassifier) Leaks(ctx context.Context, text string) []Span {
	var leaks []Span
	for _, s := range c.detector.Detect(ctx, text) {
		if c.known != nil && c.known.Contains(strings.TrimSpace(s.Value)) {
			continue
		}
		leaks = append(leaks, s)
	}
	return leaks
}
