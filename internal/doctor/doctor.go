// Package doctor checks a guardrail configuration before it serves traffic:
// data directory, signing key, tool policy, recognizers, scanner names,
// audit database and model backend reachability.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dativo-io/guardrail/internal/agent"
	"github.com/dativo-io/guardrail/internal/audit"
	"github.com/dativo-io/guardrail/internal/classifier"
	"github.com/dativo-io/guardrail/internal/config"
	"github.com/dativo-io/guardrail/internal/policy"
)

// Check statuses, ordered by severity.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

var severity = map[string]int{StatusPass: 0, StatusWarn: 1, StatusFail: 2}

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

func (c CheckResult) withFix(fix string) CheckResult {
	c.Fix = fix
	return c
}

func result(status, category, name, format string, args ...interface{}) CheckResult {
	return CheckResult{Name: name, Category: category, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output. Status is the worst check status.
type Report struct {
	Status  string        `json:"status"`
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

func (r *Report) add(checks ...CheckResult) {
	for _, c := range checks {
		r.Checks = append(r.Checks, c)
		switch c.Status {
		case StatusPass:
			r.Summary.Pass++
		case StatusWarn:
			r.Summary.Warn++
		case StatusFail:
			r.Summary.Fail++
		}
		if severity[c.Status] > severity[r.Status] {
			r.Status = c.Status
		}
	}
}

// Options controls which checks run.
type Options struct {
	SkipBackend bool // offline or CI runs
	Client      *http.Client
}

// Run executes all checks against cfg.
func Run(ctx context.Context, cfg *config.Config, opts Options) *Report {
	report := &Report{Status: StatusPass}
	report.add(
		checkDataDir(cfg),
		checkSigningKey(cfg),
		checkToolPolicy(ctx, cfg),
		checkScanners(cfg),
		checkAuditDB(ctx, cfg),
		checkCredentials(cfg),
	)
	if opts.SkipBackend {
		return report
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	report.add(checkBackend(ctx, client, cfg)...)
	return report
}

func checkDataDir(cfg *config.Config) CheckResult {
	const name = "data_dir_writable"
	if err := cfg.EnsureDataDir(); err != nil {
		return result(StatusFail, "config", name, "%s: %v", cfg.DataDir, err).
			withFix("Ensure the directory exists and is writable, or set GUARDRAIL_DATA_DIR")
	}
	probe := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return result(StatusFail, "config", name, "%s not writable: %v", cfg.DataDir, err)
	}
	_ = os.Remove(probe)
	return result(StatusPass, "config", name, "%s (writable)", cfg.DataDir)
}

func checkSigningKey(cfg *config.Config) CheckResult {
	switch {
	case !cfg.AuditEnabled:
		return result(StatusPass, "config", "signing_key", "audit disabled")
	case cfg.UsingDefaultSigningKey():
		return result(StatusWarn, "config", "signing_key", "using generated default").
			withFix("Set GUARDRAIL_SIGNING_KEY for production")
	default:
		return result(StatusPass, "config", "signing_key", "configured")
	}
}

func checkToolPolicy(ctx context.Context, cfg *config.Config) CheckResult {
	pol, err := policy.LoadToolPolicy(ctx, cfg.ToolPolicy)
	if err == nil {
		_, err = policy.NewToolGate(ctx, pol)
	}
	switch {
	case err != nil:
		return result(StatusFail, "config", "tool_policy", "%v", err).
			withFix("Fix the tool policy file or unset tool_policy")
	case cfg.ToolPolicy == "":
		return result(StatusPass, "config", "tool_policy", "default (all registered tools allowed)")
	default:
		return result(StatusPass, "config", "tool_policy", "%s (%s)", cfg.ToolPolicy, pol.VersionTag)
	}
}

// checkScanners builds a throwaway session so unknown scanner names and
// broken recognizer files surface before the first request.
func checkScanners(cfg *config.Config) CheckResult {
	var opts []classifier.DetectorOption
	if cfg.Recognizers != "" {
		opts = append(opts, classifier.WithRecognizerFile(cfg.Recognizers))
	}
	detector, err := classifier.NewDetector(opts...)
	if err == nil {
		f := &agent.SessionFactory{
			Detector:       detector,
			InputScanners:  cfg.InputScanners,
			OutputScanners: cfg.OutputScanners,
			Mode:           cfg.PipelineMode,
		}
		_, err = f.New()
	}
	if err != nil {
		return result(StatusFail, "config", "scanners", "%v", err).
			withFix("Check input_scanners, output_scanners and recognizers_file")
	}
	return result(StatusPass, "config", "scanners", "input [%s], output [%s]",
		strings.Join(cfg.InputScanners, ", "), strings.Join(cfg.OutputScanners, ", "))
}

func checkAuditDB(ctx context.Context, cfg *config.Config) CheckResult {
	if !cfg.AuditEnabled {
		return result(StatusPass, "config", "audit_db", "audit disabled")
	}
	path := cfg.AuditDBPath()
	store, err := audit.NewStore(path, cfg.SigningKey)
	if err != nil {
		return result(StatusFail, "config", "audit_db", "%v", err).
			withFix("Check data_dir permissions and signing_key length")
	}
	defer store.Close()
	latest, err := store.List(ctx, audit.Query{Limit: 1})
	if err != nil {
		return result(StatusFail, "config", "audit_db", "%v", err)
	}
	if len(latest) == 0 {
		return result(StatusPass, "config", "audit_db", "%s (empty)", path)
	}
	return result(StatusPass, "config", "audit_db", "%s (last report %s)", path, latest[0].Timestamp.Format(time.RFC3339))
}

func checkCredentials(cfg *config.Config) CheckResult {
	if cfg.Provider == "openai" && cfg.OpenAIAPIKey == "" {
		return result(StatusFail, "backend", "backend_credentials", "provider openai has no API key").
			withFix("Set GUARDRAIL_OPENAI_API_KEY or OPENAI_API_KEY, or use provider ollama")
	}
	return result(StatusPass, "backend", "backend_credentials", "%s", cfg.Provider)
}

func backendProbeURL(cfg *config.Config) string {
	if cfg.Provider == "ollama" {
		return strings.TrimRight(cfg.OllamaBaseURL, "/") + "/api/tags"
	}
	base := cfg.OpenAIBaseURL
	if base == "" {
		base = "https://api.openai.com"
	}
	return strings.TrimRight(base, "/") + "/v1/models"
}

const slowBackend = 2 * time.Second

func checkBackend(ctx context.Context, client *http.Client, cfg *config.Config) []CheckResult {
	const name = "backend_reachable"
	url := backendProbeURL(cfg)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return []CheckResult{result(StatusFail, "backend", name, "invalid URL %s: %v", url, err)}
	}
	if cfg.Provider == "openai" && cfg.OpenAIAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.OpenAIAPIKey)
	}

	start := time.Now()
	resp, err := client.Do(req) //nolint:gosec // URL comes from operator config
	elapsed := time.Since(start)
	if err != nil {
		return []CheckResult{result(StatusFail, "backend", name, "GET %s: %v", url, err).
			withFix("Check network connectivity and the backend base URL")}
	}
	resp.Body.Close()

	var reach CheckResult
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		reach = result(StatusFail, "backend", name, "GET %s: %d", url, code).withFix("Check the API key")
	case code >= 500:
		reach = result(StatusWarn, "backend", name, "GET %s: %d", url, code)
	default:
		reach = result(StatusPass, "backend", name, "%s (%dms)", url, elapsed.Milliseconds())
	}
	results := []CheckResult{reach}
	if elapsed > slowBackend {
		results = append(results, result(StatusWarn, "backend", "backend_latency",
			"%.1fs (> %s); consider raising call_timeout", elapsed.Seconds(), slowBackend))
	}
	return results
}
