// Package config holds operator-level configuration for a guardrail process:
// model backend, scanner selection and thresholds, tool policy, audit trail
// and server limits.
//
// Values come from GUARDRAIL_* env vars, guardrail.config.yaml and the
// defaults registered by SetDefaults, merged by viper. Nested keys map to
// env vars with "." replaced by "_" (thresholds.toxicity ->
// GUARDRAIL_THRESHOLDS_TOXICITY).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dativo-io/guardrail/internal/pipeline"
)

// EnvPrefix is the prefix of every environment variable.
const EnvPrefix = "GUARDRAIL"

// Viper keys.
const (
	KeyProvider       = "provider"
	KeyModel          = "model"
	KeyOpenAIAPIKey   = "openai_api_key"
	KeyOpenAIBaseURL  = "openai_base_url"
	KeyOllamaBaseURL  = "ollama_base_url"
	KeySystemPrompt   = "system_prompt"
	KeyMaxToolRounds  = "max_tool_rounds"
	KeyCallTimeout    = "call_timeout"
	KeyToolTimeout    = "tool_timeout"
	KeyTokenLimit     = "token_limit"
	KeyThresholds     = "thresholds"
	KeyInputScanners  = "input_scanners"
	KeyOutputScanners = "output_scanners"
	KeyBanList        = "ban_list"
	KeyRedactBans     = "redact_bans"
	KeyPipelineMode   = "pipeline_mode"
	KeyModeration     = "moderation"
	KeyEmbeddings     = "relevance_embeddings"
	KeyRecognizers    = "recognizers_file"
	KeyToolPolicy     = "tool_policy"
	KeyAuditEnabled   = "audit_enabled"
	KeySigningKey     = "signing_key"
	KeyDataDir        = "data_dir"
	KeyListenAddr     = "listen_addr"
	KeyRateLimit      = "rate_limit"
	KeyRateBurst      = "rate_burst"
	KeySessionTTL     = "session_ttl"
	KeyMaxSessions    = "max_sessions"
	KeySentryDSN      = "sentry_dsn"
	KeyAPIKeys        = "api_keys"
	KeyHooks          = "hooks"
)

// Defaults.
const (
	DefaultProvider      = "openai"
	DefaultModel         = "gpt-4o-mini"
	DefaultOllamaURL     = "http://localhost:11434"
	DefaultMaxToolRounds = 1
	DefaultCallTimeout   = 60 * time.Second
	DefaultToolTimeout   = 30 * time.Second
	DefaultTokenLimit    = 4096
	DefaultListenAddr    = ":8080"
	DefaultRateLimit     = 5.0
	DefaultRateBurst     = 10
	DefaultSessionTTL    = 30 * time.Minute
	DefaultMaxSessions   = 1000
)

// DefaultInputScanners and DefaultOutputScanners are the pipelines used
// when none are configured.
var (
	DefaultInputScanners  = []string{"anonymize", "token_limit", "prompt_injection", "toxicity"}
	DefaultOutputScanners = []string{"deanonymize", "no_refusal", "sensitive"}
)

// Hook is one configured webhook.
type Hook struct {
	Type string `mapstructure:"type"`
	URL  string `mapstructure:"url"`
	On   string `mapstructure:"on"`
}

// Config is the resolved configuration.
type Config struct {
	Provider      string
	Model         string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OllamaBaseURL string
	SystemPrompt  string
	MaxToolRounds int
	CallTimeout   time.Duration
	ToolTimeout   time.Duration

	TokenLimit     int
	Thresholds     map[string]float64
	InputScanners  []string
	OutputScanners []string
	BanList        []string
	RedactBans     bool
	PipelineMode   pipeline.Mode
	Moderation     bool // use the OpenAI moderation endpoint for toxicity
	Embeddings     bool // use OpenAI embeddings for relevance
	Recognizers    string
	ToolPolicy     string

	AuditEnabled bool
	SigningKey   string
	DataDir      string

	ListenAddr  string
	RateLimit   float64
	RateBurst   int
	SessionTTL  time.Duration
	MaxSessions int
	SentryDSN   string
	APIKeys     map[string]string // key -> caller name; empty disables auth
	Hooks       map[string][]Hook

	usingDefaultSigningKey bool
}

// SetDefaults registers defaults and env binding on v.
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault(KeyProvider, DefaultProvider)
	v.SetDefault(KeyModel, DefaultModel)
	v.SetDefault(KeyOllamaBaseURL, DefaultOllamaURL)
	v.SetDefault(KeyMaxToolRounds, DefaultMaxToolRounds)
	v.SetDefault(KeyCallTimeout, DefaultCallTimeout)
	v.SetDefault(KeyToolTimeout, DefaultToolTimeout)
	v.SetDefault(KeyTokenLimit, DefaultTokenLimit)
	v.SetDefault(KeyInputScanners, DefaultInputScanners)
	v.SetDefault(KeyOutputScanners, DefaultOutputScanners)
	v.SetDefault(KeyPipelineMode, string(pipeline.ModeChain))
	v.SetDefault(KeyAuditEnabled, true)
	v.SetDefault(KeyListenAddr, DefaultListenAddr)
	v.SetDefault(KeyRateLimit, DefaultRateLimit)
	v.SetDefault(KeyRateBurst, DefaultRateBurst)
	v.SetDefault(KeySessionTTL, DefaultSessionTTL)
	v.SetDefault(KeyMaxSessions, DefaultMaxSessions)
}

func init() {
	SetDefaults(viper.GetViper())
}

// Load reads the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom resolves and validates configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Provider:       strings.ToLower(v.GetString(KeyProvider)),
		Model:          v.GetString(KeyModel),
		OpenAIAPIKey:   v.GetString(KeyOpenAIAPIKey),
		OpenAIBaseURL:  v.GetString(KeyOpenAIBaseURL),
		OllamaBaseURL:  v.GetString(KeyOllamaBaseURL),
		SystemPrompt:   v.GetString(KeySystemPrompt),
		MaxToolRounds:  v.GetInt(KeyMaxToolRounds),
		CallTimeout:    v.GetDuration(KeyCallTimeout),
		ToolTimeout:    v.GetDuration(KeyToolTimeout),
		TokenLimit:     v.GetInt(KeyTokenLimit),
		Thresholds:     thresholds(v),
		InputScanners:  list(v, KeyInputScanners),
		OutputScanners: list(v, KeyOutputScanners),
		BanList:        list(v, KeyBanList),
		RedactBans:     v.GetBool(KeyRedactBans),
		Moderation:     v.GetBool(KeyModeration),
		Embeddings:     v.GetBool(KeyEmbeddings),
		Recognizers:    v.GetString(KeyRecognizers),
		ToolPolicy:     v.GetString(KeyToolPolicy),
		AuditEnabled:   v.GetBool(KeyAuditEnabled),
		SigningKey:     v.GetString(KeySigningKey),
		DataDir:        resolveDataDir(v),
		ListenAddr:     v.GetString(KeyListenAddr),
		RateLimit:      v.GetFloat64(KeyRateLimit),
		RateBurst:      v.GetInt(KeyRateBurst),
		SessionTTL:     v.GetDuration(KeySessionTTL),
		MaxSessions:    v.GetInt(KeyMaxSessions),
		SentryDSN:      v.GetString(KeySentryDSN),
		APIKeys:        parseAPIKeys(v.GetString(KeyAPIKeys)),
	}
	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := v.UnmarshalKey(KeyHooks, &cfg.Hooks); err != nil {
		return nil, fmt.Errorf("invalid configuration: hooks: %w", err)
	}

	mode, err := pipeline.ParseMode(v.GetString(KeyPipelineMode))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.PipelineMode = mode

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultSigningKey = true
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Watch re-resolves the configuration whenever v's config file changes and
// hands valid results to onChange. Invalid edits are logged and skipped.
func Watch(v *viper.Viper, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := LoadFrom(v)
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("config_reload_rejected")
			return
		}
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("config_reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
}

// UsingDefaultSigningKey reports whether the audit key was derived rather than set.
func (c *Config) UsingDefaultSigningKey() bool { return c.usingDefaultSigningKey }

// WarnIfDefaultKeys logs a warning when the audit signing key is derived.
func (c *Config) WarnIfDefaultKeys() {
	if c.AuditEnabled && c.usingDefaultSigningKey {
		log.Warn().Msg("using generated default GUARDRAIL_SIGNING_KEY; set it explicitly for production")
	}
}

// AuditDBPath returns the path of the audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// parseAPIKeys reads "key" or "key:caller" entries separated by commas.
func parseAPIKeys(raw string) map[string]string {
	m := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		caller := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			caller = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = caller
	}
	return m
}

func resolveDataDir(v *viper.Viper) string {
	if dir := v.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".guardrail"
	}
	return filepath.Join(home, ".guardrail")
}

// list reads a string list given as a YAML list or as a comma separated
// env value.
func list(v *viper.Viper, key string) []string {
	var items []string
	switch raw := v.Get(key).(type) {
	case nil:
		return nil
	case string:
		items = strings.Split(raw, ",")
	default:
		items = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func thresholds(v *viper.Viper) map[string]float64 {
	out := make(map[string]float64)
	for name := range v.GetStringMap(KeyThresholds) {
		out[name] = v.GetFloat64(KeyThresholds + "." + name)
	}
	for _, name := range []string{"prompt_injection", "toxicity", "no_refusal", "relevance", "sensitive"} {
		if raw := os.Getenv(EnvPrefix + "_THRESHOLDS_" + strings.ToUpper(name)); raw != "" {
			out[name] = v.GetFloat64(KeyThresholds + "." + name)
		}
	}
	return out
}

// deriveDefaultKey produces a deterministic per-machine fallback key. It
// only exists so a fresh install can sign reports; it is not a secret.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("guardrail:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	switch c.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("provider must be openai or ollama, got %q", c.Provider)
	}
	if c.MaxToolRounds < 1 {
		return fmt.Errorf("max_tool_rounds must be at least 1")
	}
	if c.TokenLimit <= 0 {
		return fmt.Errorf("token_limit must be positive")
	}
	for name, t := range c.Thresholds {
		if t <= 0 || t > 1 {
			return fmt.Errorf("thresholds.%s must be in (0, 1], got %v", name, t)
		}
	}
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("signing_key must be at least 32 bytes (got %d); set GUARDRAIL_SIGNING_KEY", len(c.SigningKey))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate_limit and rate_burst must not be negative")
	}
	return nil
}
