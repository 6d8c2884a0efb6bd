package scanner

import (
	"context"
	"regexp"
)

// DefaultTokenLimit is the token budget when none is configured.
const DefaultTokenLimit = 4096

// tokenPattern counts words and standalone punctuation marks.
var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+|[^\s\p{L}\p{N}_]`)

// CountTokens returns the number of word and punctuation tokens in text.
func CountTokens(text string) int {
	return len(tokenPattern.FindAllStringIndex(text, -1))
}

// TokenLimit rejects text with more than Max tokens. Score is count/Max and
// may exceed 1.
type TokenLimit struct {
	Max int
}

// NewTokenLimit returns a limit of limit tokens; limit <= 0 selects DefaultTokenLimit.
func NewTokenLimit(limit int) *TokenLimit {
	if limit <= 0 {
		limit = DefaultTokenLimit
	}
	return &TokenLimit{Max: limit}
}

// Name implements Scanner.
func (t *TokenLimit) Name() string { return NameTokenLimit }

// Scan implements Scanner.
func (t *TokenLimit) Scan(_ context.Context, text, _ string) Result {
	n := CountTokens(text)
	return Result{
		Sanitized: text,
		Valid:     n <= t.Max,
		Score:     float64(n) / float64(t.Max),
	}
}
