package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]interface{}
		wantErr bool
	}{
		{"object", `{"a":1}`, map[string]interface{}{"a": 1.0}, false},
		{"empty string", ``, map[string]interface{}{}, false},
		{"null", `null`, map[string]interface{}{}, false},
		{"array", `[1]`, nil, true},
		{"garbage", `{a:1`, nil, true},
		{"scalar", `42`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArguments(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToolCallArgumentsJSON(t *testing.T) {
	assert.Equal(t, "{}", ToolCall{}.ArgumentsJSON())
	assert.JSONEq(t, `{"x":"y"}`, ToolCall{Arguments: map[string]interface{}{"x": "y"}}.ArgumentsJSON())
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

func TestClassify(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, classify(ctx, "p", context.DeadlineExceeded), ErrTimeout)
	assert.ErrorIs(t, classify(ctx, "p", fmt.Errorf("dial: %w", timeoutErr{})), ErrTimeout)
	assert.ErrorIs(t, classify(ctx, "p", errors.New("connection refused")), ErrUnavailable)

	err := classify(ctx, "p", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Name: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	p, err = NewProvider(ProviderConfig{Name: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	_, err = NewProvider(ProviderConfig{Name: "openai"})
	require.ErrorIs(t, err, ErrProviderNotAvailable)

	_, err = NewProvider(ProviderConfig{Name: "bard"})
	require.ErrorIs(t, err, ErrProviderNotAvailable)

	assert.True(t, ProviderUsesAPIKey("openai"))
	assert.False(t, ProviderUsesAPIKey("ollama"))
}
