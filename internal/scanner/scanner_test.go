package scanner

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/guardrail/internal/classifier"
	"github.com/dativo-io/guardrail/internal/vault"
)

func staticClassifier(score float64, err error) classifier.Classifier {
	return classifier.ClassifierFunc{ID: "static", Fn: func(context.Context, string, string) (float64, error) {
		return score, err
	}}
}

type panicScanner struct{}

func (panicScanner) Name() string { return "panicky" }
func (panicScanner) Scan(context.Context, string, string) Result {
	panic("index out of range")
}

func TestAnonymizeScanner(t *testing.T) {
	v := vault.New(classifier.MustNewDetector())
	s := NewAnonymize(v)

	res := Run(context.Background(), s, "Contact me at a@b.com", "")
	assert.True(t, res.Valid)
	assert.Equal(t, NameAnonymize, res.Scanner)
	assert.Equal(t, "Contact me at [REDACTED_EMAIL_1]", res.Sanitized)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "EMAIL", res.Entities[0].Kind)
	assert.InDelta(t, 7.0/21.0, res.Score, 1e-9)

	clean := Run(context.Background(), s, "hello there", "")
	assert.Equal(t, "hello there", clean.Sanitized)
	assert.Zero(t, clean.Score)
}

func TestDeanonymizeScanner(t *testing.T) {
	v := vault.New(classifier.MustNewDetector())
	prompt, _ := v.Anonymize(context.Background(), "Contact me at a@b.com")

	res := Run(context.Background(), NewDeanonymize(v), "I will write to [REDACTED_EMAIL_1] and [REDACTED_EMAIL_5]", prompt)
	assert.True(t, res.Valid)
	assert.Zero(t, res.Score)
	assert.Equal(t, "I will write to a@b.com and [REDACTED_EMAIL_5]", res.Sanitized)
	require.Len(t, res.Warnings, 1)

	outside := Run(context.Background(), NewDeanonymize(v), "[REDACTED_EMAIL_1]", "no placeholders here")
	assert.Equal(t, "[REDACTED_EMAIL_1]", outside.Sanitized)
	assert.NotEmpty(t, outside.Warnings)
}

func TestTransforms(t *testing.T) {
	v := vault.New(classifier.MustNewDetector())
	tests := []struct {
		name string
		s    Scanner
		want bool
	}{
		{"anonymize", NewAnonymize(v), true},
		{"deanonymize", NewDeanonymize(v), true},
		{"html", NewHTMLSanitize(), true},
		{"ban without redaction", NewBanSubstrings([]string{"x"}), false},
		{"ban with redaction", NewBanSubstrings([]string{"x"}, WithRedact()), true},
		{"token limit", NewTokenLimit(10), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transforms(tt.s))
		})
	}
}

func TestTokenLimit(t *testing.T) {
	tests := []struct {
		name      string
		max       int
		input     string
		wantValid bool
		wantScore float64
	}{
		{"over limit", 5, "one two three four five six seven eight nine ten", false, 2.0},
		{"at limit", 5, "one two three four five", true, 1.0},
		{"punctuation counts", 4, "hi, there!", true, 1.0},
		{"empty", 5, "", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Run(context.Background(), NewTokenLimit(tt.max), tt.input, "")
			assert.Equal(t, tt.wantValid, res.Valid)
			assert.InDelta(t, tt.wantScore, res.Score, 1e-9)
			assert.Equal(t, tt.input, res.Sanitized)
		})
	}
}

func TestTokenLimit_DisplayScoreClamps(t *testing.T) {
	res := Run(context.Background(), NewTokenLimit(5), "one two three four five six seven eight nine ten", "")
	assert.Equal(t, 2.0, res.Score)
	assert.Equal(t, 1.0, res.DisplayScore())
	assert.Equal(t, DefaultTokenLimit, NewTokenLimit(0).Max)
}

func TestRiskScanners_Threshold(t *testing.T) {
	tests := []struct {
		name      string
		scanner   *Risk
		wantValid bool
	}{
		{"below default", NewToxicity(staticClassifier(0.49, nil)), true},
		{"at default", NewToxicity(staticClassifier(0.5, nil)), false},
		{"custom threshold", NewPromptInjection(staticClassifier(0.7, nil), WithThreshold(0.8)), true},
		{"relevance default", NewRelevance(staticClassifier(0.8, nil)), true},
		{"refusal", NewNoRefusal(staticClassifier(0.9, nil)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Run(context.Background(), tt.scanner, "text", "")
			assert.Equal(t, tt.wantValid, res.Valid)
			assert.Nil(t, res.Err)
			assert.Equal(t, "text", res.Sanitized)
		})
	}
}

func TestRiskScanner_ClampsScore(t *testing.T) {
	res := Run(context.Background(), NewToxicity(staticClassifier(3.2, nil)), "x", "")
	assert.Equal(t, 1.0, res.Score)
	assert.False(t, res.Valid)
}

func TestRelevanceScanner_UsesPrompt(t *testing.T) {
	var got string
	c := classifier.ClassifierFunc{ID: "spy", Fn: func(_ context.Context, _, prior string) (float64, error) {
		got = prior
		return 0, nil
	}}
	Run(context.Background(), NewRelevance(c), "answer", "question")
	assert.Equal(t, "question", got)

	got = "unset"
	Run(context.Background(), NewToxicity(c), "answer", "question")
	assert.Equal(t, "", got)
}

func TestFaults(t *testing.T) {
	boom := errors.New("model unavailable")
	tests := []struct {
		name    string
		scanner Scanner
	}{
		{"classifier error", NewToxicity(staticClassifier(0, boom))},
		{"classifier NaN", NewToxicity(staticClassifier(math.NaN(), nil))},
		{"panic", panicScanner{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Run(context.Background(), tt.scanner, "input", "")
			assert.False(t, res.Valid)
			assert.Equal(t, 1.0, res.Score)
			assert.Equal(t, "input", res.Sanitized)
			require.Error(t, res.Err)
			assert.ErrorIs(t, res.Err, ErrScannerFault)
			assert.True(t, res.Faulted())
		})
	}
}

func TestRun_CancelledContextFaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Run(ctx, NewTokenLimit(5), "a b", "")
	assert.False(t, res.Valid)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestHTMLSanitize(t *testing.T) {
	s := NewHTMLSanitize()
	res := Run(context.Background(), s, "<b>Hello</b> <script>alert(1)</script>world & friends", "")
	assert.True(t, res.Valid)
	assert.NotContains(t, res.Sanitized, "<")
	assert.NotContains(t, res.Sanitized, "script")
	assert.Contains(t, res.Sanitized, "Hello")
	assert.Contains(t, res.Sanitized, "world & friends")
	assert.Greater(t, res.Score, 0.0)

	plain := Run(context.Background(), s, "1 + 2 & 3", "")
	assert.Equal(t, "1 + 2 & 3", plain.Sanitized)
	assert.Zero(t, plain.Score)
}

func TestBanSubstrings(t *testing.T) {
	s := NewBanSubstrings([]string{"Project Falcon", " "})
	res := Run(context.Background(), s, "tell me about project falcon", "")
	assert.False(t, res.Valid)
	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, "tell me about project falcon", res.Sanitized)
	assert.Nil(t, res.Err)

	ok := Run(context.Background(), s, "tell me about birds", "")
	assert.True(t, ok.Valid)

	redacting := NewBanSubstrings([]string{"falcon"}, WithRedact())
	res = Run(context.Background(), redacting, "Falcon and falcon", "")
	assert.Equal(t, "[REDACTED] and [REDACTED]", res.Sanitized)
}

func TestBuild(t *testing.T) {
	v := vault.New(classifier.MustNewDetector())
	scanners, err := Build(
		[]string{NameHTMLSanitize, NameAnonymize, NamePromptInjection, NameToxicity, NameTokenLimit, NameBanSubstrings},
		Deps{Vault: v},
		Settings{TokenLimit: 10, BanList: []string{"secret"}, Thresholds: map[string]float64{NameToxicity: 0.9}},
	)
	require.NoError(t, err)
	require.Len(t, scanners, 6)
	assert.Equal(t, NameAnonymize, scanners[1].Name())
	assert.Equal(t, 0.9, scanners[3].(*Risk).Threshold())
	assert.Equal(t, 10, scanners[4].(*TokenLimit).Max)

	out, err := Build([]string{NameDeanonymize, NameNoRefusal, NameRelevance, NameSensitive}, Deps{Vault: v}, Settings{})
	require.NoError(t, err)
	assert.Len(t, out, 4)

	_, err = Build([]string{"telepathy"}, Deps{}, Settings{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "telepathy"))

	_, err = Build([]string{NameAnonymize}, Deps{}, Settings{})
	require.Error(t, err)
}

func TestSensitiveScanner_IgnoresVaultValues(t *testing.T) {
	v := vault.New(classifier.MustNewDetector())
	_, _ = v.Anonymize(context.Background(), "Contact me at a@b.com")
	scanners, err := Build([]string{NameSensitive}, Deps{Vault: v}, Settings{})
	require.NoError(t, err)

	res := Run(context.Background(), scanners[0], "I will email a@b.com", "")
	assert.True(t, res.Valid)

	res = Run(context.Background(), scanners[0], "I will email ceo@corp.com", "")
	assert.False(t, res.Valid)
}
