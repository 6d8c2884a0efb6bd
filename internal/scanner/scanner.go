// Package scanner implements the validators applied to text on each side of
// a model call. Every scanner returns a Result; none returns an error or
// panics across its boundary.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/guardrail/internal/vault"
)

// Scanner names used in score maps and configuration.
const (
	NameAnonymize       = "anonymize"
	NameDeanonymize     = "deanonymize"
	NameTokenLimit      = "token_limit"
	NamePromptInjection = "prompt_injection"
	NameToxicity        = "toxicity"
	NameNoRefusal       = "no_refusal"
	NameRelevance       = "relevance"
	NameSensitive       = "sensitive"
	NameHTMLSanitize    = "html_sanitize"
	NameBanSubstrings   = "ban_substrings"
)

// DefaultThreshold is the risk threshold for classifier-backed scanners.
const DefaultThreshold = 0.5

// ErrScannerFault marks a Result whose scanner failed while evaluating.
var ErrScannerFault = errors.New("scanner fault")

// FaultError records why a scanner could not evaluate its input.
type FaultError struct {
	Scanner string
	Cause   error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("scanner %s: %v", e.Scanner, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *FaultError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrScannerFault) match any FaultError.
func (e *FaultError) Is(target error) bool { return target == ErrScannerFault }

// Result is the outcome of one scanner invocation.
type Result struct {
	Scanner   string  `json:"scanner"`
	Sanitized string  `json:"-"`
	Valid     bool    `json:"valid"`
	Score     float64 `json:"score"`
	// Err is set only for faults; an invalid result with a nil Err is an
	// ordinary rejection.
	Err      error          `json:"-"`
	Warnings []string       `json:"warnings,omitempty"`
	Entities []vault.Entity `json:"entities,omitempty"`
}

// DisplayScore clamps Score to [0,1] for reports.
func (r Result) DisplayScore() float64 {
	return math.Max(0, math.Min(1, r.Score))
}

// Faulted reports whether the scanner failed to evaluate.
func (r Result) Faulted() bool { return r.Err != nil }

// Scanner evaluates text. prompt is prior context: empty on the input side,
// the sanitized prompt on the output side.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, text, prompt string) Result
}

// Transformer is implemented by scanners that may rewrite their input.
// Scanners that do not implement it only evaluate.
type Transformer interface {
	Transforms() bool
}

// Transforms reports whether s may change the text it scans.
func Transforms(s Scanner) bool {
	t, ok := s.(Transformer)
	return ok && t.Transforms()
}

// Fault builds the fail-closed result for a scanner that could not evaluate
// text. The text passes through unchanged.
func Fault(name, text string, cause error) Result {
	return Result{
		Scanner:   name,
		Sanitized: text,
		Valid:     false,
		Score:     1.0,
		Err:       &FaultError{Scanner: name, Cause: cause},
	}
}

// Run invokes s and converts a panic into a fault result. The returned
// Result always carries the scanner's name.
func Run(ctx context.Context, s Scanner, text, prompt string) (res Result) {
	name := s.Name()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("scanner", name).Interface("panic", r).Msg("scanner_panic")
			res = Fault(name, text, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := ctx.Err(); err != nil {
		return Fault(name, text, err)
	}
	res = s.Scan(ctx, text, prompt)
	res.Scanner = name
	if res.Err != nil {
		var fe *FaultError
		if !errors.As(res.Err, &fe) {
			res = Fault(name, text, res.Err)
		}
		res.Valid = false
		res.Score = 1.0
		log.Warn().Str("scanner", name).Err(res.Err).Msg("scanner_fault")
	}
	return res
}
