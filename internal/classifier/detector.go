package classifier

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	guardotel "github.com/dativo-io/guardrail/internal/otel"
	"github.com/dativo-io/guardrail/patterns"
)

var tracer = guardotel.Tracer("github.com/dativo-io/guardrail/internal/classifier")

const (
	// DefaultMinScore is the confidence below which a match is discarded.
	DefaultMinScore = 0.5
	// ContextSimilarityFactor is added to a pattern's score when a context word
	// appears near the match.
	ContextSimilarityFactor = 0.35
	// ContextWindow is the number of bytes searched on each side of a match.
	ContextWindow = 100
)

// Span is a detected entity occurrence. Start and End are byte offsets.
type Span struct {
	Kind        string  `json:"kind"`
	Value       string  `json:"value"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Score       float64 `json:"score"`
	Sensitivity int     `json:"sensitivity"`
	Recognizer  string  `json:"recognizer"`
}

// DetectorOption configures a Detector.
type DetectorOption func(*detectorConfig)

type detectorConfig struct {
	recognizers      []RecognizerConfig
	extraFiles       []string
	enabledEntities  []string
	disabledEntities []string
	minScore         float64
}

// WithRecognizers replaces the embedded defaults with the given recognizers.
func WithRecognizers(recs []RecognizerConfig) DetectorOption {
	return func(c *detectorConfig) { c.recognizers = recs }
}

// WithRecognizerFile layers a YAML recognizer file on top of the defaults.
// A missing file is ignored.
func WithRecognizerFile(path string) DetectorOption {
	return func(c *detectorConfig) { c.extraFiles = append(c.extraFiles, path) }
}

// WithEnabledEntities restricts detection to the given entity kinds.
func WithEnabledEntities(entities []string) DetectorOption {
	return func(c *detectorConfig) { c.enabledEntities = entities }
}

// WithDisabledEntities removes the given entity kinds from detection.
func WithDisabledEntities(entities []string) DetectorOption {
	return func(c *detectorConfig) { c.disabledEntities = entities }
}

// WithMinScore sets the confidence threshold for reported spans.
func WithMinScore(score float64) DetectorOption {
	return func(c *detectorConfig) { c.minScore = score }
}

// Detector finds PII spans using compiled recognizer patterns.
// It is safe for concurrent use.
type Detector struct {
	patterns []CompiledPattern
	minScore float64
}

// NewDetector builds a Detector from the embedded PII recognizers, layered with
// any configured files and filtered by entity kind.
func NewDetector(opts ...DetectorOption) (*Detector, error) {
	cfg := detectorConfig{minScore: DefaultMinScore}
	for _, opt := range opts {
		opt(&cfg)
	}

	base := cfg.recognizers
	if base == nil {
		rf, err := ParseRecognizerFile(patterns.PIIYAML())
		if err != nil {
			return nil, fmt.Errorf("loading default recognizers: %w", err)
		}
		base = rf.Recognizers
	}

	layers := [][]RecognizerConfig{base}
	for _, path := range cfg.extraFiles {
		rf, err := LoadRecognizerFile(path)
		if err != nil {
			return nil, err
		}
		if rf != nil {
			layers = append(layers, rf.Recognizers)
		}
	}

	recs := FilterByEntities(MergeRecognizers(layers...), cfg.enabledEntities, cfg.disabledEntities)
	compiled, err := CompilePatterns(recs)
	if err != nil {
		return nil, err
	}
	return &Detector{patterns: compiled, minScore: cfg.minScore}, nil
}

// MustNewDetector is NewDetector for the embedded defaults; it panics on error.
func MustNewDetector(opts ...DetectorOption) *Detector {
	d, err := NewDetector(opts...)
	if err != nil {
		panic(fmt.Sprintf("classifier: %v", err))
	}
	return d
}

// Kinds returns the distinct entity kinds this detector can report, sorted.
func (d *Detector) Kinds() []string {
	seen := make(map[string]bool)
	var kinds []string
	for _, p := range d.patterns {
		if !seen[p.Kind] {
			seen[p.Kind] = true
			kinds = append(kinds, p.Kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

// Detect returns non-overlapping entity spans in text, sorted by start offset.
func (d *Detector) Detect(ctx context.Context, text string) []Span {
	_, span := tracer.Start(ctx, "classifier.detect")
	defer span.End()

	if text == "" {
		return nil
	}

	lower := strings.ToLower(text)
	var found []Span
	for i := range d.patterns {
		p := &d.patterns[i]
		for _, loc := range p.Pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if p.Group > 0 && len(loc) > 2*p.Group+1 {
				start, end = loc[2*p.Group], loc[2*p.Group+1]
			}
			if start < 0 || end <= start {
				continue
			}
			value := text[start:end]
			if p.Validation != "" && !validate(p.Validation, value) {
				continue
			}
			score := enhanceScoreWithContext(lower, start, end, p.Score, p.ContextWords)
			if score < d.minScore {
				continue
			}
			found = append(found, Span{
				Kind:        p.Kind,
				Value:       value,
				Start:       start,
				End:         end,
				Score:       score,
				Sensitivity: p.Sensitivity,
				Recognizer:  p.Recognizer,
			})
		}
	}

	merged := mergeOverlaps(found)
	span.SetAttributes(attribute.Int("classifier.entities", len(merged)))
	return merged
}

// enhanceScoreWithContext boosts score when a context word appears within
// ContextWindow bytes of the match. lower must be strings.ToLower(text).
func enhanceScoreWithContext(lower string, start, end int, score float64, words []string) float64 {
	if len(words) == 0 {
		return score
	}
	from := start - ContextWindow
	if from < 0 {
		from = 0
	}
	to := end + ContextWindow
	if to > len(lower) {
		to = len(lower)
	}
	window := lower[from:start] + " " + lower[end:to]
	for _, w := range words {
		if strings.Contains(window, strings.ToLower(w)) {
			boosted := score + ContextSimilarityFactor
			if boosted > 1.0 {
				boosted = 1.0
			}
			return boosted
		}
	}
	return score
}

// mergeOverlaps keeps one span per overlapping region. Longer spans win, then
// higher sensitivity, then higher score.
func mergeOverlaps(spans []Span) []Span {
	if len(spans) < 2 {
		return spans
	}
	ranked := make([]Span, len(spans))
	copy(ranked, spans)
	sort.SliceStable(ranked, func(i, j int) bool {
		li, lj := ranked[i].End-ranked[i].Start, ranked[j].End-ranked[j].Start
		if li != lj {
			return li > lj
		}
		if ranked[i].Sensitivity != ranked[j].Sensitivity {
			return ranked[i].Sensitivity > ranked[j].Sensitivity
		}
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Start < ranked[j].Start
	})

	var kept []Span
	for _, s := range ranked {
		overlaps := false
		for _, k := range kept {
			if s.Start < k.End && k.Start < s.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// spanAttrs is shared by classifiers that record how many entities they saw.
func spanAttrs(span trace.Span, name string, score float64) {
	span.SetAttributes(
		attribute.String("classifier.name", name),
		attribute.Float64("classifier.score", score),
	)
}
