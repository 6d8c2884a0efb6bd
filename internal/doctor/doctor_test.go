package doctor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/guardrail/internal/config"
	"github.com/dativo-io/guardrail/internal/testutil"
)

func loadConfig(t *testing.T, overrides map[string]interface{}) *config.Config {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	v := viper.New()
	config.SetDefaults(v)
	v.Set(config.KeyDataDir, t.TempDir())
	v.Set(config.KeySigningKey, testutil.TestSigningKey)
	v.Set(config.KeyOpenAIAPIKey, "sk-test")
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	return cfg
}

func findCheck(r *Report, name string) CheckResult {
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	return CheckResult{}
}

func TestRun_HealthyConfig(t *testing.T) {
	cfg := loadConfig(t, nil)
	report := Run(context.Background(), cfg, Options{SkipBackend: true})

	assert.Equal(t, StatusPass, report.Status, "%+v", report.Checks)
	assert.Equal(t, 6, report.Summary.Pass)
	assert.Zero(t, report.Summary.Fail)
}

func TestRun_Failures(t *testing.T) {
	badPolicy := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(badPolicy, []byte("forbidden_arg_patterns: ['([']\n"), 0o600))

	tests := []struct {
		name      string
		overrides map[string]interface{}
		check     string
	}{
		{"unknown scanner", map[string]interface{}{config.KeyInputScanners: []string{"anonymize", "telepathy"}}, "scanners"},
		{"broken tool policy", map[string]interface{}{config.KeyToolPolicy: badPolicy}, "tool_policy"},
		{"missing tool policy", map[string]interface{}{config.KeyToolPolicy: "/nonexistent/tools.yaml"}, "tool_policy"},
		{"no api key", map[string]interface{}{config.KeyOpenAIAPIKey: ""}, "backend_credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfig(t, tt.overrides)
			report := Run(context.Background(), cfg, Options{SkipBackend: true})
			assert.Equal(t, StatusFail, report.Status)
			assert.Equal(t, StatusFail, findCheck(report, tt.check).Status)
		})
	}
}

func TestRun_DefaultSigningKeyWarns(t *testing.T) {
	cfg := loadConfig(t, map[string]interface{}{config.KeySigningKey: ""})
	report := Run(context.Background(), cfg, Options{SkipBackend: true})
	assert.Equal(t, StatusWarn, report.Status)
	assert.Equal(t, StatusWarn, findCheck(report, "signing_key").Status)
}

func TestRun_Backend(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   string
	}{
		{"ok", http.StatusOK, StatusPass},
		{"bad key", http.StatusUnauthorized, StatusFail},
		{"server error", http.StatusBadGateway, StatusWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			cfg := loadConfig(t, map[string]interface{}{config.KeyOpenAIBaseURL: srv.URL})
			report := Run(context.Background(), cfg, Options{Client: srv.Client()})
			assert.Equal(t, tt.want, findCheck(report, "backend_reachable").Status)
			assert.Equal(t, "/v1/models", gotPath)
			assert.Equal(t, "Bearer sk-test", gotAuth)
		})
	}
}

func TestBackendProbeURL(t *testing.T) {
	assert.Equal(t, "http://localhost:11434/api/tags", backendProbeURL(&config.Config{Provider: "ollama", OllamaBaseURL: "http://localhost:11434/"}))
	assert.Equal(t, "https://api.openai.com/v1/models", backendProbeURL(&config.Config{Provider: "openai"}))
}

func TestReport_AddKeepsWorstStatus(t *testing.T) {
	r := &Report{Status: StatusPass}
	r.add(result(StatusWarn, "config", "a", "x"))
	r.add(result(StatusFail, "config", "b", "y").withFix("fix it"), result(StatusPass, "config", "c", "z"))

	assert.Equal(t, StatusFail, r.Status)
	assert.Equal(t, Summary{Pass: 1, Warn: 1, Fail: 1}, r.Summary)
	assert.Equal(t, "fix it", findCheck(r, "b").Fix)
}
