// Package audit keeps a signed trail of orchestrated turns in SQLite.
//
// A Report holds states, scores, entity kinds and tool names. It never
// holds raw input, model output or vault values; text is represented only
// by its SHA-256 hash.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dativo-io/guardrail/internal/agent"
	"github.com/dativo-io/guardrail/internal/pipeline"
)

// Report is the signed audit record of one turn.
type Report struct {
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id"`
	CorrelationID string       `json:"correlation_id"`
	Timestamp     time.Time    `json:"timestamp"`
	State         string       `json:"state"`
	Reason        string       `json:"reason,omitempty"`
	Input         *ScanSummary `json:"input,omitempty"`
	Output        *ScanSummary `json:"output,omitempty"`
	Tools         []ToolAudit  `json:"tools,omitempty"`
	ToolRounds    int          `json:"tool_rounds"`
	Model         string       `json:"model,omitempty"`
	Tokens        TokenUsage   `json:"tokens"`
	DurationMS    int64        `json:"duration_ms"`
	OutputHash    string       `json:"output_hash,omitempty"`
	Signature     string       `json:"signature"`
}

// ScanSummary is one pipeline's verdict.
type ScanSummary struct {
	Valid    bool               `json:"valid"`
	Scores   map[string]float64 `json:"scores"`
	Failed   []string           `json:"failed,omitempty"`
	Faults   []string           `json:"faults,omitempty"`
	Entities map[string]int     `json:"entities,omitempty"` // kind -> count
}

// ToolAudit records one requested tool call.
type ToolAudit struct {
	Name     string `json:"name"`
	Executed bool   `json:"executed"`
	Denied   bool   `json:"denied,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
}

// TokenUsage captures input/output token counts.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// FromOutcome projects an outcome into a report.
func FromOutcome(out *agent.Outcome) *Report {
	r := &Report{
		ID:            "aud_" + uuid.New().String()[:12],
		SessionID:     out.SessionID,
		CorrelationID: out.CorrelationID,
		Timestamp:     time.Now().UTC(),
		State:         string(out.State),
		Input:         summarize(out.InputScan),
		Output:        summarize(out.OutputScan),
		ToolRounds:    out.ToolRounds,
		Model:         out.Model,
		Tokens:        TokenUsage{Input: out.InputTokens, Output: out.OutputTokens},
		DurationMS:    out.Duration.Milliseconds(),
	}
	if out.Err != nil {
		r.Reason = out.Err.Error()
	}
	for _, t := range out.Tools {
		r.Tools = append(r.Tools, ToolAudit{Name: t.Name, Executed: t.Executed, Denied: t.Denied, Failed: t.Error != ""})
	}
	if out.Output != "" {
		sum := sha256.Sum256([]byte(out.Output))
		r.OutputHash = "sha256:" + hex.EncodeToString(sum[:])
	}
	return r
}

func summarize(res *pipeline.Result) *ScanSummary {
	if res == nil {
		return nil
	}
	s := &ScanSummary{
		Valid:  res.IsValid(),
		Scores: res.Scores,
		Failed: res.FailedScanners(),
	}
	for _, f := range res.Faults() {
		s.Faults = append(s.Faults, f.Scanner)
	}
	sort.Strings(s.Faults)
	for _, r := range res.Results {
		for _, e := range r.Entities {
			if s.Entities == nil {
				s.Entities = make(map[string]int)
			}
			s.Entities[e.Kind]++
		}
	}
	return s
}
