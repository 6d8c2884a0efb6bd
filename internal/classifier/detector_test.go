package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_Entities(t *testing.T) {
	d := MustNewDetector()
	ctx := context.Background()

	tests := []struct {
		name      string
		input     string
		wantKind  string
		wantValue string
	}{
		{"email", "Contact me at a@b.com", "EMAIL", "a@b.com"},
		{"phone with context", "Call me at 555-123-4567 tomorrow", "PHONE", "555-123-4567"},
		{"ipv4", "server at 192.168.1.10 is down", "IP_ADDRESS", "192.168.1.10"},
		{"luhn card", "pay with 4111 1111 1111 1111", "CREDIT_CARD", "4111 1111 1111 1111"},
		{"grouped card with context", "my credit card is 1234-5678-9876-5432", "CREDIT_CARD", "1234-5678-9876-5432"},
		{"iban", "transfer to DE89 3704 0044 0532 0130 00 today", "IBAN", "DE89 3704 0044 0532 0130 00"},
		{"ssn with context", "my ssn is 123-45-6789", "SSN", "123-45-6789"},
		{"url", "see https://example.com/path?q=1 for details", "URL", "https://example.com/path?q=1"},
		{"self introduction", "Hello, my name is John Smith and I need help", "NAME", "John Smith"},
		{"labelled name", "customer: Jane Doe", "NAME", "Jane Doe"},
		{"honorific", "Please forward this to Dr. Alice Walker", "NAME", "Alice Walker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spans := d.Detect(ctx, tt.input)
			require.NotEmpty(t, spans, "expected a detection in %q", tt.input)
			var found bool
			for _, s := range spans {
				if s.Kind == tt.wantKind {
					found = true
					assert.Equal(t, tt.wantValue, s.Value)
					assert.Equal(t, tt.wantValue, tt.input[s.Start:s.End])
				}
			}
			assert.True(t, found, "no %s span in %+v", tt.wantKind, spans)
		})
	}
}

func TestDetect_NoFalsePositives(t *testing.T) {
	d := MustNewDetector()
	inputs := []string{
		"",
		"What is the capital of France?",
		"Order 1234-5678-9876-5432 has shipped",
		"the ratio is 3.14 and the answer is 42",
		"my name is written in lowercase",
	}
	for _, in := range inputs {
		assert.Empty(t, d.Detect(context.Background(), in), "input %q", in)
	}
}

func TestDetect_SpansSortedAndDisjoint(t *testing.T) {
	d := MustNewDetector()
	text := "email a@b.com, ip 10.0.0.1, card 4111 1111 1111 1111"
	spans := d.Detect(context.Background(), text)
	require.Len(t, spans, 3)
	for i := 1; i < len(spans); i++ {
		assert.LessOrEqual(t, spans[i-1].End, spans[i].Start)
	}
	assert.Equal(t, "EMAIL", spans[0].Kind)
	assert.Equal(t, "IP_ADDRESS", spans[1].Kind)
	assert.Equal(t, "CREDIT_CARD", spans[2].Kind)
}

func TestDetect_EntityFilters(t *testing.T) {
	text := "mail a@b.com from 10.0.0.1"

	onlyEmail := MustNewDetector(WithEnabledEntities([]string{"EMAIL_ADDRESS"}))
	spans := onlyEmail.Detect(context.Background(), text)
	require.Len(t, spans, 1)
	assert.Equal(t, "EMAIL", spans[0].Kind)

	noEmail := MustNewDetector(WithDisabledEntities([]string{"EMAIL"}))
	spans = noEmail.Detect(context.Background(), text)
	require.Len(t, spans, 1)
	assert.Equal(t, "IP_ADDRESS", spans[0].Kind)
}

func TestDetect_CustomRecognizers(t *testing.T) {
	d, err := NewDetector(WithRecognizers([]RecognizerConfig{{
		Name:            "employee_id",
		SupportedEntity: "employee id",
		Patterns:        []PatternConfig{{Name: "emp", Regex: `\bEMP-\d{5}\b`, Score: 0.8}},
	}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"EMPLOYEE_ID"}, d.Kinds())

	spans := d.Detect(context.Background(), "ticket for EMP-12345 and a@b.com")
	require.Len(t, spans, 1)
	assert.Equal(t, "EMP-12345", spans[0].Value)
}

func TestDetect_MinScore(t *testing.T) {
	d := MustNewDetector(WithMinScore(0.95))
	assert.Empty(t, d.Detect(context.Background(), "Contact me at a@b.com"))
}

func TestNewDetector_BadRegex(t *testing.T) {
	_, err := NewDetector(WithRecognizers([]RecognizerConfig{{
		Name:            "broken",
		SupportedEntity: "X",
		Patterns:        []PatternConfig{{Name: "bad", Regex: `(`, Score: 1}},
	}}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestMergeOverlaps_PrefersLongerThenSensitive(t *testing.T) {
	spans := []Span{
		{Kind: "PHONE", Start: 5, End: 10, Sensitivity: 1},
		{Kind: "CREDIT_CARD", Start: 3, End: 20, Sensitivity: 3},
		{Kind: "SSN", Start: 30, End: 40, Sensitivity: 3},
		{Kind: "PHONE", Start: 30, End: 40, Sensitivity: 1},
	}
	got := mergeOverlaps(spans)
	require.Len(t, got, 2)
	assert.Equal(t, "CREDIT_CARD", got[0].Kind)
	assert.Equal(t, "SSN", got[1].Kind)
}

func TestEnhanceScoreWithContext(t *testing.T) {
	text := "my phone: 555-123-4567"
	start := len("my phone: ")
	end := len(text)
	assert.InDelta(t, 0.95, enhanceScoreWithContext(text, start, end, 0.6, []string{"phone"}), 1e-9)
	assert.InDelta(t, 0.6, enhanceScoreWithContext(text, start, end, 0.6, []string{"fax"}), 1e-9)
	assert.InDelta(t, 1.0, enhanceScoreWithContext(text, start, end, 0.9, []string{"phone"}), 1e-9)
}
