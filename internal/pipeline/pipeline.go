// Package pipeline composes scanners into a single pass/fail decision.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	guardotel "github.com/dativo-io/guardrail/internal/otel"
	"github.com/dativo-io/guardrail/internal/scanner"
)

var tracer = guardotel.Tracer("github.com/dativo-io/guardrail/internal/pipeline")

// ErrCancelled is returned when the context ends before every scanner ran.
var ErrCancelled = errors.New("scan pipeline cancelled")

// Mode selects how scanners see their input.
type Mode string

const (
	// ModeChain feeds each scanner the previous scanner's output.
	ModeChain Mode = "chain"
	// ModeParallel applies transforming scanners in order, then evaluates
	// the rest concurrently on the transformed text.
	ModeParallel Mode = "parallel"
)

// ParseMode maps a config string to a Mode. Empty selects ModeChain.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeChain:
		return ModeChain, nil
	case ModeParallel:
		return ModeParallel, nil
	default:
		return "", fmt.Errorf("unknown pipeline mode %q", s)
	}
}

// Result aggregates one pipeline run. The run is valid only if every
// scanner is valid.
type Result struct {
	Sanitized string             `json:"-"`
	Valid     map[string]bool    `json:"valid"`
	Scores    map[string]float64 `json:"scores"`
	Results   []scanner.Result   `json:"results"`
	Duration  time.Duration      `json:"duration_ns"`
}

// IsValid is the AND of every scanner's validity. An empty pipeline is valid.
func (r *Result) IsValid() bool {
	for _, res := range r.Results {
		if !res.Valid {
			return false
		}
	}
	return true
}

// FailedScanners returns the identifiers of invalid scanners, sorted.
func (r *Result) FailedScanners() []string {
	var failed []string
	for id, ok := range r.Valid {
		if !ok {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)
	return failed
}

// Faults returns results whose scanner errored.
func (r *Result) Faults() []scanner.Result {
	var out []scanner.Result
	for _, res := range r.Results {
		if res.Faulted() {
			out = append(out, res)
		}
	}
	return out
}

// Warnings collects warnings from every scanner.
func (r *Result) Warnings() []string {
	var out []string
	for _, res := range r.Results {
		out = append(out, res.Warnings...)
	}
	return out
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMode sets the evaluation mode.
func WithMode(m Mode) Option {
	return func(p *Pipeline) { p.mode = m }
}

// Pipeline is an ordered list of scanners. It holds no per-run state and is
// safe for concurrent use if its scanners are.
type Pipeline struct {
	name     string
	scanners []scanner.Scanner
	ids      []string
	mode     Mode
}

// New builds a pipeline. Repeated scanner names are suffixed "#2", "#3", ...
// so each result has a distinct identifier.
func New(name string, scanners []scanner.Scanner, opts ...Option) *Pipeline {
	p := &Pipeline{name: name, scanners: scanners, mode: ModeChain}
	for _, opt := range opts {
		opt(p)
	}
	seen := make(map[string]int)
	p.ids = make([]string, len(scanners))
	for i, s := range scanners {
		n := s.Name()
		seen[n]++
		if seen[n] > 1 {
			n = fmt.Sprintf("%s#%d", n, seen[n])
		}
		p.ids[i] = n
	}
	return p
}

// Name returns the pipeline name ("input" or "output" in the orchestrator).
func (p *Pipeline) Name() string { return p.name }

// Mode returns the evaluation mode.
func (p *Pipeline) Mode() Mode { return p.mode }

// IDs returns the scanner identifiers in order.
func (p *Pipeline) IDs() []string {
	out := make([]string, len(p.ids))
	copy(out, p.ids)
	return out
}

// Len returns the number of scanners.
func (p *Pipeline) Len() int { return len(p.scanners) }

// Run applies the scanners to text with prompt as prior context. Every
// scanner runs even after one fails. If ctx ends before a scanner starts,
// Run returns the results so far with ErrCancelled.
func (p *Pipeline) Run(ctx context.Context, text, prompt string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		guardotel.ScanPipeline.String(p.name),
		attribute.String("pipeline.mode", string(p.mode)),
		attribute.Int("pipeline.scanners", len(p.scanners)),
	)

	start := time.Now()
	var (
		res *Result
		err error
	)
	if p.mode == ModeParallel {
		res, err = p.runParallel(ctx, text, prompt)
	} else {
		res, err = p.runChain(ctx, text, prompt)
	}
	res.Duration = time.Since(start)

	valid := res.IsValid()
	span.SetAttributes(guardotel.ScanValid.Bool(valid))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	recordRun(ctx, p.name, res)

	ev := log.Debug()
	if !valid {
		ev = log.Info()
	}
	ev.Str("pipeline", p.name).
		Bool("valid", valid).
		Strs("failed", res.FailedScanners()).
		Dur("duration", res.Duration).
		Func(guardotel.SpanFields(ctx)).
		Msg("scan_pipeline_completed")
	return res, nil
}

func newResult(text string, n int) *Result {
	return &Result{
		Sanitized: text,
		Valid:     make(map[string]bool, n),
		Scores:    make(map[string]float64, n),
		Results:   make([]scanner.Result, 0, n),
	}
}

func (r *Result) record(id string, res scanner.Result) {
	res.Scanner = id
	r.Valid[id] = res.Valid
	r.Scores[id] = res.Score
	r.Results = append(r.Results, res)
}

func (p *Pipeline) runChain(ctx context.Context, text, prompt string) (*Result, error) {
	out := newResult(text, len(p.scanners))
	current := text
	for i, s := range p.scanners {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("%w before %s: %w", ErrCancelled, p.ids[i], err)
		}
		res := p.scanOne(ctx, i, s, current, prompt)
		out.record(p.ids[i], res)
		current = res.Sanitized
	}
	out.Sanitized = current
	return out, nil
}

// runParallel runs the transforming scanners in declaration order, each on
// the previous one's output, then evaluates the remaining scanners
// concurrently on the fully transformed text. Results keep declaration
// order, so no transformation is ever dropped.
func (p *Pipeline) runParallel(ctx context.Context, text, prompt string) (*Result, error) {
	out := newResult(text, len(p.scanners))
	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	results := make([]scanner.Result, len(p.scanners))
	var checks []int
	current := text
	for i, s := range p.scanners {
		if !scanner.Transforms(s) {
			checks = append(checks, i)
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("%w before %s: %w", ErrCancelled, p.ids[i], err)
		}
		results[i] = p.scanOne(ctx, i, s, current, prompt)
		current = results[i].Sanitized
	}

	var wg sync.WaitGroup
	for _, i := range checks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.scanOne(ctx, i, p.scanners[i], current, prompt)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		out.record(p.ids[i], res)
	}
	out.Sanitized = current
	return out, nil
}

func (p *Pipeline) scanOne(ctx context.Context, i int, s scanner.Scanner, text, prompt string) scanner.Result {
	ctx, span := tracer.Start(ctx, "scanner.scan")
	defer span.End()

	res := scanner.Run(ctx, s, text, prompt)
	span.SetAttributes(
		guardotel.ScanScanner.String(p.ids[i]),
		guardotel.ScanValid.Bool(res.Valid),
		guardotel.ScanScore.Float64(res.Score),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	return res
}
