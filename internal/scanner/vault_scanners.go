package scanner

import (
	"context"

	"github.com/dativo-io/guardrail/internal/vault"
)

// Anonymize replaces sensitive entities with vault placeholders. It is
// always valid; the score is the fraction of input bytes replaced.
type Anonymize struct {
	vault *vault.Vault
}

// NewAnonymize returns an anonymizer backed by v.
func NewAnonymize(v *vault.Vault) *Anonymize { return &Anonymize{vault: v} }

// Name implements Scanner.
func (a *Anonymize) Name() string { return NameAnonymize }

func (a *Anonymize) Transforms() bool { return true }

// Scan implements Scanner.
func (a *Anonymize) Scan(ctx context.Context, text, _ string) Result {
	out, ents := a.vault.Anonymize(ctx, text)
	replaced := 0
	for _, e := range ents {
		replaced += e.End - e.Start
	}
	score := 0.0
	if len(text) > 0 {
		score = float64(replaced) / float64(len(text))
	}
	return Result{Sanitized: out, Valid: true, Score: score, Entities: ents}
}

// Deanonymize restores vault placeholders in model output, limited to the
// placeholders that occur in the exchange context passed as prompt. Anything
// else placeholder-shaped is left as written and reported as a warning.
type Deanonymize struct {
	vault *vault.Vault
}

// NewDeanonymize returns a deanonymizer backed by v.
func NewDeanonymize(v *vault.Vault) *Deanonymize { return &Deanonymize{vault: v} }

// Name implements Scanner.
func (d *Deanonymize) Name() string { return NameDeanonymize }

func (d *Deanonymize) Transforms() bool { return true }

// Scan implements Scanner.
func (d *Deanonymize) Scan(ctx context.Context, text, prompt string) Result {
	out, warnings := d.vault.DeanonymizeWithin(ctx, text, prompt)
	return Result{Sanitized: out, Valid: true, Score: 0, Warnings: warnings}
}
