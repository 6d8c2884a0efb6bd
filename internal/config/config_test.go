package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/guardrail/internal/pipeline"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, EnvPrefix+"_") {
			t.Setenv(strings.SplitN(kv, "=", 2)[0], "")
		}
	}
	t.Setenv("OPENAI_API_KEY", "")
	v := viper.New()
	SetDefaults(v)
	v.Set(KeyDataDir, t.TempDir())
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, DefaultProvider, cfg.Provider)
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, DefaultOllamaURL, cfg.OllamaBaseURL)
	assert.Equal(t, 1, cfg.MaxToolRounds)
	assert.Equal(t, DefaultCallTimeout, cfg.CallTimeout)
	assert.Equal(t, DefaultTokenLimit, cfg.TokenLimit)
	assert.Equal(t, DefaultInputScanners, cfg.InputScanners)
	assert.Equal(t, DefaultOutputScanners, cfg.OutputScanners)
	assert.Equal(t, pipeline.ModeChain, cfg.PipelineMode)
	assert.True(t, cfg.AuditEnabled)
	assert.True(t, cfg.UsingDefaultSigningKey())
	assert.GreaterOrEqual(t, len(cfg.SigningKey), 32)
	assert.Empty(t, cfg.Thresholds)
}

func TestLoad_Env(t *testing.T) {
	v := newViper(t)
	t.Setenv("GUARDRAIL_PROVIDER", "ollama")
	t.Setenv("GUARDRAIL_MAX_TOOL_ROUNDS", "3")
	t.Setenv("GUARDRAIL_INPUT_SCANNERS", "anonymize,token_limit")
	t.Setenv("GUARDRAIL_THRESHOLDS_TOXICITY", "0.7")
	t.Setenv("GUARDRAIL_PIPELINE_MODE", "parallel")
	t.Setenv("GUARDRAIL_SESSION_TTL", "5m")
	t.Setenv("GUARDRAIL_SIGNING_KEY", "my-signing-key-at-least-32-chars!")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Provider)
	assert.Equal(t, 3, cfg.MaxToolRounds)
	assert.Equal(t, []string{"anonymize", "token_limit"}, cfg.InputScanners)
	assert.InDelta(t, 0.7, cfg.Thresholds["toxicity"], 1e-9)
	assert.Equal(t, pipeline.ModeParallel, cfg.PipelineMode)
	assert.Equal(t, 5*time.Minute, cfg.SessionTTL)
	assert.False(t, cfg.UsingDefaultSigningKey())
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
}

func TestLoad_File(t *testing.T) {
	v := newViper(t)
	path := filepath.Join(t.TempDir(), "guardrail.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model: llama3.2
thresholds:
  prompt_injection: 0.8
output_scanners: [deanonymize, sensitive]
ban_list: ["internal codename"]
hooks:
  rejected:
    - type: webhook
      url: http://localhost:9000/hook
      on: denied
`), 0o600))
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", cfg.Model)
	assert.InDelta(t, 0.8, cfg.Thresholds["prompt_injection"], 1e-9)
	assert.Equal(t, []string{"deanonymize", "sensitive"}, cfg.OutputScanners)
	assert.Equal(t, []string{"internal codename"}, cfg.BanList)
	require.Len(t, cfg.Hooks["rejected"], 1)
	assert.Equal(t, "denied", cfg.Hooks["rejected"][0].On)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   interface{}
		wantErr string
	}{
		{"provider", KeyProvider, "anthropic", "provider must be"},
		{"tool rounds", KeyMaxToolRounds, 0, "max_tool_rounds"},
		{"token limit", KeyTokenLimit, -1, "token_limit"},
		{"threshold", KeyThresholds, map[string]interface{}{"toxicity": 1.5}, "thresholds.toxicity"},
		{"mode", KeyPipelineMode, "sideways", "pipeline mode"},
		{"signing key", KeySigningKey, "short", "signing_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper(t)
			v.Set(tt.key, tt.value)
			_, err := LoadFrom(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAuditDBPath(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/guardrail"}
	assert.Equal(t, "/var/lib/guardrail/audit.db", cfg.AuditDBPath())
}

func TestParseAPIKeys(t *testing.T) {
	tests := []struct {
		raw  string
		want map[string]string
	}{
		{"", map[string]string{}},
		{"k1", map[string]string{"k1": "default"}},
		{"k1:ops, k2:ci ,", map[string]string{"k1": "ops", "k2": "ci"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseAPIKeys(tt.raw), tt.raw)
	}
}

func TestWatch_ReloadsOnFileChange(t *testing.T) {
	v := newViper(t)
	path := filepath.Join(t.TempDir(), "guardrail.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit: 5\n"), 0o600))
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	reloaded := make(chan *Config, 4)
	Watch(v, func(cfg *Config) { reloaded <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("rate_limit: 42\n"), 0o600))
	select {
	case cfg := <-reloaded:
		assert.InDelta(t, 42.0, cfg.RateLimit, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}
