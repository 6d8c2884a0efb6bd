package scanner

import (
	"context"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// HTMLSanitize strips markup from input. It is always valid; the score is
// the fraction of bytes removed.
type HTMLSanitize struct {
	policy *bluemonday.Policy
}

// NewHTMLSanitize returns a sanitizer using bluemonday's strict policy.
func NewHTMLSanitize() *HTMLSanitize {
	return &HTMLSanitize{policy: bluemonday.StrictPolicy()}
}

// Name implements Scanner.
func (h *HTMLSanitize) Name() string { return NameHTMLSanitize }

func (h *HTMLSanitize) Transforms() bool { return true }

// Scan implements Scanner.
func (h *HTMLSanitize) Scan(_ context.Context, text, _ string) Result {
	if !strings.ContainsAny(text, "<>") {
		return Result{Sanitized: text, Valid: true}
	}
	// StrictPolicy escapes entities; undo that so only markup is removed.
	out := html.UnescapeString(h.policy.Sanitize(text))
	out = strings.NewReplacer("<", "", ">", "").Replace(out)

	score := 0.0
	if removed := len(text) - len(out); removed > 0 {
		score = float64(removed) / float64(len(text))
	}
	return Result{Sanitized: out, Valid: true, Score: score}
}

// BanSubstrings rejects text containing any banned phrase, compared
// case-insensitively. With redaction enabled matches are also masked.
type BanSubstrings struct {
	phrases []string
	redact  bool
}

// BanOption configures a BanSubstrings scanner.
type BanOption func(*BanSubstrings)

// WithRedact masks matched phrases in the sanitized text.
func WithRedact() BanOption {
	return func(b *BanSubstrings) { b.redact = true }
}

// NewBanSubstrings returns a scanner for phrases. Empty phrases are ignored.
func NewBanSubstrings(phrases []string, opts ...BanOption) *BanSubstrings {
	b := &BanSubstrings{}
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			b.phrases = append(b.phrases, strings.ToLower(p))
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements Scanner.
func (b *BanSubstrings) Name() string { return NameBanSubstrings }

// Transforms is true only when matches are redacted.
func (b *BanSubstrings) Transforms() bool { return b.redact }

// Scan implements Scanner.
func (b *BanSubstrings) Scan(_ context.Context, text, _ string) Result {
	lower := strings.ToLower(text)
	var hits []string
	for _, p := range b.phrases {
		if strings.Contains(lower, p) {
			hits = append(hits, p)
		}
	}
	if len(hits) == 0 {
		return Result{Sanitized: text, Valid: true}
	}
	out := text
	if b.redact {
		out = redactFold(text, hits)
	}
	warnings := make([]string, len(hits))
	for i, h := range hits {
		warnings[i] = "banned phrase: " + h
	}
	return Result{Sanitized: out, Valid: false, Score: 1.0, Warnings: warnings}
}

// redactFold replaces case-insensitive occurrences of each phrase. Phrases
// are ASCII-lowered, so byte offsets in lower and text agree for ASCII input.
func redactFold(text string, phrases []string) string {
	for _, p := range phrases {
		var b strings.Builder
		lower := strings.ToLower(text)
		if len(lower) != len(text) {
			continue
		}
		i := 0
		for {
			j := strings.Index(lower[i:], p)
			if j < 0 {
				break
			}
			b.WriteString(text[i : i+j])
			b.WriteString("[REDACTED]")
			i += j + len(p)
		}
		b.WriteString(text[i:])
		text = b.String()
	}
	return text
}
