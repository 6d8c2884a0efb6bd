package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/guardrail/internal/agent"
	"github.com/dativo-io/guardrail/internal/agent/tools"
	"github.com/dativo-io/guardrail/internal/audit"
	"github.com/dativo-io/guardrail/internal/classifier"
	"github.com/dativo-io/guardrail/internal/config"
	"github.com/dativo-io/guardrail/internal/llm"
	"github.com/dativo-io/guardrail/internal/policy"
	"github.com/dativo-io/guardrail/internal/scanner"
)

// stack is everything a command needs to run guarded turns.
type stack struct {
	cfg      *config.Config
	factory  *agent.SessionFactory
	tools    *tools.ToolRegistry
	orch     *agent.Orchestrator
	audit    *audit.Store // nil when the audit trail is disabled
	provider llm.Provider
}

func (s *stack) Close() {
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			log.Warn().Err(err).Msg("audit_store_close_failed")
		}
	}
}

// buildFactory wires the detector and classifiers into a session factory.
// It needs no model backend, so scan-only commands use it directly.
func buildFactory(cfg *config.Config) (*agent.SessionFactory, error) {
	var opts []classifier.DetectorOption
	if cfg.Recognizers != "" {
		opts = append(opts, classifier.WithRecognizerFile(cfg.Recognizers))
	}
	detector, err := classifier.NewDetector(opts...)
	if err != nil {
		return nil, fmt.Errorf("building PII detector: %w", err)
	}

	var deps scanner.Deps
	if cfg.Moderation {
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("moderation: %w: no API key", llm.ErrProviderNotAvailable)
		}
		deps.Toxicity = classifier.NewModerationClassifier(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	}
	if cfg.Embeddings {
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("relevance embeddings: %w: no API key", llm.ErrProviderNotAvailable)
		}
		deps.Relevance = classifier.NewEmbeddingRelevance(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	}

	return &agent.SessionFactory{
		Detector: detector,
		Deps:     deps,
		Settings: scanner.Settings{
			Thresholds: cfg.Thresholds,
			TokenLimit: cfg.TokenLimit,
			BanList:    cfg.BanList,
			RedactBans: cfg.RedactBans,
		},
		InputScanners:  cfg.InputScanners,
		OutputScanners: cfg.OutputScanners,
		Mode:           cfg.PipelineMode,
	}, nil
}

func buildTools(cfg *config.Config) (*tools.ToolRegistry, error) {
	reg := tools.NewRegistry()
	reg.SetTimeout(cfg.ToolTimeout)
	if err := tools.RegisterBuiltins(reg); err != nil {
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}
	return reg, nil
}

func buildHooks(cfg *config.Config) *agent.HookSet {
	if len(cfg.Hooks) == 0 {
		return nil
	}
	hooks := make(map[string][]agent.HookConfig, len(cfg.Hooks))
	for point, list := range cfg.Hooks {
		for _, h := range list {
			hooks[point] = append(hooks[point], agent.HookConfig{Type: h.Type, URL: h.URL, On: h.On})
		}
	}
	return agent.HookSetFromConfig(hooks)
}

// buildStack resolves a model backend and wires the full orchestrator.
// withAudit=false skips the audit store even when it is enabled.
func buildStack(ctx context.Context, cfg *config.Config, provider llm.Provider, withAudit bool) (*stack, error) {
	factory, err := buildFactory(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := buildTools(cfg)
	if err != nil {
		return nil, err
	}

	pol, err := policy.LoadToolPolicy(ctx, cfg.ToolPolicy)
	if err != nil {
		return nil, err
	}
	gate, err := policy.NewToolGate(ctx, pol)
	if err != nil {
		return nil, err
	}

	if provider == nil {
		provider, err = llm.NewProvider(llm.ProviderConfig{
			Name:      cfg.Provider,
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			OllamaURL: cfg.OllamaBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("model backend: %w", err)
		}
	}

	st := &stack{cfg: cfg, factory: factory, tools: reg, provider: provider}
	var auditor agent.Auditor
	if withAudit && cfg.AuditEnabled {
		cfg.WarnIfDefaultKeys()
		if err := cfg.EnsureDataDir(); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		st.audit, err = audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
		if err != nil {
			return nil, err
		}
		auditor = st.audit
	}

	st.orch, err = agent.NewOrchestrator(agent.Config{
		Provider:      provider,
		Model:         cfg.Model,
		Tools:         reg,
		Gate:          gate,
		SystemPrompt:  cfg.SystemPrompt,
		MaxToolRounds: cfg.MaxToolRounds,
		CallTimeout:   cfg.CallTimeout,
		Hooks:         buildHooks(cfg),
		Breaker:       agent.NewCircuitBreaker(0, 0),
		ToolFailures:  agent.NewToolFailureTracker(0, 0),
		Audit:         auditor,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	log.Debug().
		Str("provider", provider.Name()).
		Str("model", cfg.Model).
		Strs("input_scanners", cfg.InputScanners).
		Strs("output_scanners", cfg.OutputScanners).
		Str("tool_policy", pol.VersionTag).
		Bool("audit", st.audit != nil).
		Msg("guardrail_stack_ready")
	return st, nil
}

// providerOverride lets tests substitute the model backend.
var providerOverride llm.Provider
