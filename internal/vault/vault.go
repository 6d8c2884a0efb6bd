// Package vault holds the session-scoped mapping between sensitive values and
// the placeholders that replace them in text sent to a model.
package vault

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dativo-io/guardrail/internal/classifier"
	guardotel "github.com/dativo-io/guardrail/internal/otel"
)

var tracer = guardotel.Tracer("github.com/dativo-io/guardrail/internal/vault")

// DefaultPrefix is the first word inside every placeholder.
const DefaultPrefix = "REDACTED"

// Entity is a detected sensitive span. Start and End are byte offsets into
// the text that was anonymized.
type Entity struct {
	Kind  string `json:"kind"`
	Value string `json:"-"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Entry maps one placeholder to the entity it replaced when first minted.
type Entry struct {
	Placeholder string `json:"placeholder"`
	Entity      Entity `json:"entity"`
}

// Detector finds sensitive spans. *classifier.Detector satisfies it.
type Detector interface {
	Detect(ctx context.Context, text string) []classifier.Span
}

// Option configures a Vault.
type Option func(*Vault)

// WithPrefix changes the placeholder prefix. It must be upper-case letters.
func WithPrefix(prefix string) Option {
	return func(v *Vault) { v.prefix = prefix }
}

// Vault is a reversible placeholder table for one session. Each distinct
// (kind, value) pair gets one placeholder, [REDACTED_<KIND>_<n>], with n
// counted per kind. Methods are safe for concurrent use, though a vault is
// meant to belong to a single conversation.
type Vault struct {
	detector Detector
	prefix   string
	pattern  *regexp.Regexp

	mu       sync.RWMutex
	entries  []Entry
	byKey    map[string]int
	byHolder map[string]int
	values   map[string]bool
	counters map[string]int
}

// New creates an empty vault that detects entities with detector.
func New(detector Detector, opts ...Option) *Vault {
	v := &Vault{
		detector: detector,
		prefix:   DefaultPrefix,
		byKey:    make(map[string]int),
		byHolder: make(map[string]int),
		values:   make(map[string]bool),
		counters: make(map[string]int),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.pattern = regexp.MustCompile(`\[` + regexp.QuoteMeta(v.prefix) + `_([A-Z0-9_]+?)_(\d+)\]`)
	return v
}

// Anonymize replaces every detected entity in text with its placeholder and
// returns the rewritten text with the entities in source order. Text without
// detections is returned unchanged and nothing is recorded. Placeholders
// already present in text are left alone. New entries from one call become
// visible together.
func (v *Vault) Anonymize(ctx context.Context, text string) (string, []Entity) {
	ctx, span := tracer.Start(ctx, "vault.anonymize")
	defer span.End()

	spans := v.detector.Detect(ctx, text)
	spans = v.dropPlaceholderOverlaps(text, spans)
	if len(spans) == 0 {
		span.SetAttributes(attribute.Int("vault.entities", 0))
		return text, nil
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	v.mu.Lock()
	defer v.mu.Unlock()

	var (
		b        strings.Builder
		last     int
		entities = make([]Entity, 0, len(spans))
		pending  []Entry
		counters = make(map[string]int)
		minted   = make(map[string]string)
	)
	for _, s := range spans {
		if s.Start < last {
			continue
		}
		ent := Entity{Kind: s.Kind, Value: s.Value, Start: s.Start, End: s.End}
		key := entryKey(ent.Kind, ent.Value)

		holder, ok := minted[key]
		if !ok {
			if idx, known := v.byKey[key]; known {
				holder = v.entries[idx].Placeholder
			} else {
				n := v.counters[ent.Kind] + counters[ent.Kind] + 1
				counters[ent.Kind]++
				holder = v.format(ent.Kind, n)
				pending = append(pending, Entry{Placeholder: holder, Entity: ent})
			}
			minted[key] = holder
		}

		b.WriteString(text[last:s.Start])
		b.WriteString(holder)
		last = s.End
		entities = append(entities, ent)
	}
	b.WriteString(text[last:])

	for _, e := range pending {
		v.byKey[entryKey(e.Entity.Kind, e.Entity.Value)] = len(v.entries)
		v.byHolder[e.Placeholder] = len(v.entries)
		v.values[e.Entity.Value] = true
		v.entries = append(v.entries, e)
	}
	for kind, n := range counters {
		v.counters[kind] += n
	}

	span.SetAttributes(
		attribute.Int("vault.entities", len(entities)),
		attribute.Int("vault.new_entries", len(pending)),
	)
	return b.String(), entities
}

// Deanonymize restores every placeholder the vault minted. Placeholder-shaped
// tokens the vault does not know are left as they are and returned as
// warnings; they are never fatal.
func (v *Vault) Deanonymize(ctx context.Context, text string) (string, []string) {
	return v.deanonymize(ctx, text, nil)
}

// DeanonymizeWithin restores only placeholders that also occur in scope,
// such as the sanitized prompt of the current exchange. Known placeholders
// outside scope are left unchanged and reported.
func (v *Vault) DeanonymizeWithin(ctx context.Context, text, scope string) (string, []string) {
	allowed := make(map[string]bool)
	for _, p := range v.pattern.FindAllString(scope, -1) {
		allowed[p] = true
	}
	return v.deanonymize(ctx, text, allowed)
}

func (v *Vault) deanonymize(ctx context.Context, text string, allowed map[string]bool) (string, []string) {
	_, span := tracer.Start(ctx, "vault.deanonymize")
	defer span.End()

	v.mu.RLock()
	defer v.mu.RUnlock()

	var warnings []string
	seen := make(map[string]bool)
	warn := func(msg string) {
		if !seen[msg] {
			seen[msg] = true
			warnings = append(warnings, msg)
		}
	}

	restored := 0
	out := v.pattern.ReplaceAllStringFunc(text, func(holder string) string {
		idx, ok := v.byHolder[holder]
		if !ok {
			warn(fmt.Sprintf("unknown placeholder %s left unchanged", holder))
			return holder
		}
		if allowed != nil && !allowed[holder] {
			warn(fmt.Sprintf("placeholder %s not introduced in this exchange left unchanged", holder))
			return holder
		}
		restored++
		return v.entries[idx].Entity.Value
	})

	if len(warnings) > 0 {
		log.Warn().
			Int("warnings", len(warnings)).
			Strs("details", warnings).
			Msg("vault_deanonymize_unresolved")
	}
	span.SetAttributes(attribute.Int("vault.restored", restored))
	return out, warnings
}

// Contains reports whether value is an original the vault has recorded.
func (v *Vault) Contains(value string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[value]
}

// Lookup returns the entry for a placeholder.
func (v *Vault) Lookup(placeholder string) (Entry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	idx, ok := v.byHolder[placeholder]
	if !ok {
		return Entry{}, false
	}
	return v.entries[idx], true
}

// Entries returns a copy of the table in the order entries were minted.
func (v *Vault) Entries() []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Placeholders returns every minted placeholder in mint order.
func (v *Vault) Placeholders() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.Placeholder
	}
	return out
}

// Len returns the number of entries.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// PlaceholdersIn returns the known placeholders occurring in text, in order.
func (v *Vault) PlaceholdersIn(text string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []string
	for _, p := range v.pattern.FindAllString(text, -1) {
		if _, ok := v.byHolder[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// IsPlaceholder reports whether s is shaped like one of this vault's placeholders.
func (v *Vault) IsPlaceholder(s string) bool {
	loc := v.pattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

func (v *Vault) format(kind string, n int) string {
	return fmt.Sprintf("[%s_%s_%d]", v.prefix, kind, n)
}

// dropPlaceholderOverlaps removes detections that touch an existing
// placeholder so earlier substitutions are never wrapped a second time.
func (v *Vault) dropPlaceholderOverlaps(text string, spans []classifier.Span) []classifier.Span {
	holders := v.pattern.FindAllStringIndex(text, -1)
	if len(holders) == 0 {
		return spans
	}
	kept := spans[:0:0]
	for _, s := range spans {
		overlaps := false
		for _, h := range holders {
			if s.Start < h[1] && h[0] < s.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, s)
		}
	}
	return kept
}

func entryKey(kind, value string) string {
	return kind + "\x00" + value
}
