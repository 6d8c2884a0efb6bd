package vault

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/guardrail/internal/classifier"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return New(classifier.MustNewDetector())
}

func TestAnonymize_Email(t *testing.T) {
	v := newTestVault(t)
	out, ents := v.Anonymize(context.Background(), "Contact me at a@b.com")

	assert.Equal(t, "Contact me at [REDACTED_EMAIL_1]", out)
	assert.NotContains(t, out, "a@b.com")
	require.Len(t, ents, 1)
	assert.Equal(t, Entity{Kind: "EMAIL", Value: "a@b.com", Start: 14, End: 21}, ents[0])
	assert.Equal(t, 1, v.Len())
}

func TestAnonymize_NoEntitiesIsIdempotent(t *testing.T) {
	v := newTestVault(t)
	inputs := []string{"", "What is 1 + 2?", "plain words only"}
	for _, in := range inputs {
		out, ents := v.Anonymize(context.Background(), in)
		assert.Equal(t, in, out)
		assert.Empty(t, ents)
	}
	assert.Zero(t, v.Len())
}

func TestAnonymize_SharedPlaceholderPerValue(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	out, ents := v.Anonymize(ctx, "a@b.com wrote to c@d.org and a@b.com again")
	assert.Equal(t, "[REDACTED_EMAIL_1] wrote to [REDACTED_EMAIL_2] and [REDACTED_EMAIL_1] again", out)
	assert.Len(t, ents, 3)
	assert.Equal(t, 2, v.Len())

	out, _ = v.Anonymize(ctx, "reply to c@d.org from 10.0.0.1")
	assert.Equal(t, "reply to [REDACTED_EMAIL_2] from [REDACTED_IP_ADDRESS_1]", out)
	assert.Equal(t, []string{"[REDACTED_EMAIL_1]", "[REDACTED_EMAIL_2]", "[REDACTED_IP_ADDRESS_1]"}, v.Placeholders())
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		"Contact me at a@b.com",
		"My name is John Smith, call 555-123-4567 or mail john@example.com",
		"card 4111 1111 1111 1111 and IBAN DE89 3704 0044 0532 0130 00",
		"nothing to hide",
		"a@b.com a@b.com a@b.com",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			v := newTestVault(t)
			anon, _ := v.Anonymize(context.Background(), in)
			back, warnings := v.Deanonymize(context.Background(), anon)
			assert.Equal(t, in, back)
			assert.Empty(t, warnings)
		})
	}
}

func TestAnonymize_DoesNotReanonymizePlaceholders(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	first, _ := v.Anonymize(ctx, "Contact me at a@b.com")
	second, ents := v.Anonymize(ctx, first)
	assert.Equal(t, first, second)
	assert.Empty(t, ents)
	assert.Equal(t, 1, v.Len())
}

func TestDeanonymize_UnknownPlaceholderWarns(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	_, _ = v.Anonymize(ctx, "Contact me at a@b.com")

	out, warnings := v.Deanonymize(ctx, "[REDACTED_EMAIL_1] and [REDACTED_PHONE_7] and [REDACTED_PHONE_7]")
	assert.Equal(t, "a@b.com and [REDACTED_PHONE_7] and [REDACTED_PHONE_7]", out)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "[REDACTED_PHONE_7]")
}

func TestDeanonymize_IsReadOnly(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	_, _ = v.Anonymize(ctx, "Contact me at a@b.com")
	before := v.Entries()
	_, _ = v.Deanonymize(ctx, "[REDACTED_EMAIL_1] [REDACTED_EMAIL_9]")
	assert.Equal(t, before, v.Entries())
}

func TestDeanonymizeWithin(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	_, _ = v.Anonymize(ctx, "first a@b.com")
	prompt, _ := v.Anonymize(ctx, "now c@d.org")

	out, warnings := v.DeanonymizeWithin(ctx, "[REDACTED_EMAIL_1] / [REDACTED_EMAIL_2]", prompt)
	assert.Equal(t, "[REDACTED_EMAIL_1] / c@d.org", out)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "not introduced")
}

func TestLookupAndContains(t *testing.T) {
	v := newTestVault(t)
	_, _ = v.Anonymize(context.Background(), "server 192.168.1.10")

	e, ok := v.Lookup("[REDACTED_IP_ADDRESS_1]")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.10", e.Entity.Value)
	assert.True(t, v.Contains("192.168.1.10"))
	assert.False(t, v.Contains("10.0.0.1"))

	_, ok = v.Lookup("[REDACTED_IP_ADDRESS_2]")
	assert.False(t, ok)
}

func TestPlaceholdersIn(t *testing.T) {
	v := newTestVault(t)
	_, _ = v.Anonymize(context.Background(), "mail a@b.com")

	got := v.PlaceholdersIn("to [REDACTED_EMAIL_1] and [REDACTED_EMAIL_9]")
	assert.Equal(t, []string{"[REDACTED_EMAIL_1]"}, got)
	assert.Empty(t, v.PlaceholdersIn("nothing here"))
}

func TestIsPlaceholder(t *testing.T) {
	v := newTestVault(t)
	assert.True(t, v.IsPlaceholder("[REDACTED_EMAIL_1]"))
	assert.True(t, v.IsPlaceholder("[REDACTED_CREDIT_CARD_12]"))
	assert.False(t, v.IsPlaceholder("x [REDACTED_EMAIL_1]"))
	assert.False(t, v.IsPlaceholder("[REDACTED_email_1]"))
}

func TestWithPrefix(t *testing.T) {
	v := New(classifier.MustNewDetector(), WithPrefix("PII"))
	out, _ := v.Anonymize(context.Background(), "a@b.com")
	assert.Equal(t, "[PII_EMAIL_1]", out)
	back, _ := v.Deanonymize(context.Background(), out)
	assert.Equal(t, "a@b.com", back)
}

type fixedDetector []classifier.Span

func (f fixedDetector) Detect(context.Context, string) []classifier.Span { return f }

func TestAnonymize_SkipsOverlappingSpans(t *testing.T) {
	v := New(fixedDetector{
		{Kind: "NAME", Value: "Ada Lovelace", Start: 0, End: 12},
		{Kind: "NAME", Value: "Lovelace", Start: 4, End: 12},
	})
	out, ents := v.Anonymize(context.Background(), "Ada Lovelace wrote it")
	assert.Equal(t, "[REDACTED_NAME_1] wrote it", out)
	assert.Len(t, ents, 1)
}

func TestAnonymize_ConcurrentCallsKeepPlaceholdersUnique(t *testing.T) {
	v := newTestVault(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := strings.Repeat("x", i+1) + "@example.com"
			_, _ = v.Anonymize(context.Background(), "mail "+addr)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, p := range v.Placeholders() {
		assert.False(t, seen[p], "duplicate placeholder %s", p)
		seen[p] = true
	}
	assert.Len(t, seen, 20)
}
