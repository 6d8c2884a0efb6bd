package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/dativo-io/guardrail/internal/agent"
	"github.com/dativo-io/guardrail/internal/config"
)

var (
	runJSON    bool
	runScores  bool
	runNoAudit bool
)

// errRejected makes a rejected turn exit non-zero.
var errRejected = errors.New("turn rejected")

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one guarded turn against the configured model",
	Long: `Run one guarded turn. The prompt is taken from the arguments, or from
stdin when none are given. The model sees only the sanitized prompt.`,
	RunE: runTurn,
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the outcome as JSON")
	runCmd.Flags().BoolVar(&runScores, "scores", false, "print scanner scores after the answer")
	runCmd.Flags().BoolVar(&runNoAudit, "no-audit", false, "skip the audit trail for this run")
	rootCmd.AddCommand(runCmd)
}

func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("reading prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("no prompt given")
	}
	return prompt, nil
}

func runTurn(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "run")
	defer span.End()

	prompt, err := readPrompt(cmd, args)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := buildStack(ctx, cfg, providerOverride, !runNoAudit)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.factory.New()
	if err != nil {
		return err
	}
	out, err := st.orch.Run(ctx, sess, prompt)
	if err != nil {
		if sentryEnabled && !errors.Is(err, agent.ErrCancelled) {
			sentry.CaptureException(err)
		}
		if out == nil || !runJSON {
			return err
		}
	}

	w := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(newRunReport(out)); encErr != nil {
			return encErr
		}
		return stateError(out)
	}

	switch out.State {
	case agent.StateDone:
		fmt.Fprintln(w, out.Output)
	case agent.StateRejected:
		fmt.Fprintf(cmd.ErrOrStderr(), "rejected: %v\n", out.Err)
	}
	if runScores {
		printScores(w, out.Scores())
	}
	return stateError(out)
}

func stateError(out *agent.Outcome) error {
	switch out.State {
	case agent.StateDone:
		return nil
	case agent.StateRejected:
		return fmt.Errorf("%w: %w", errRejected, out.Err)
	default:
		return out.Err
	}
}

type runReport struct {
	SessionID     string             `json:"session_id"`
	CorrelationID string             `json:"correlation_id"`
	State         agent.State        `json:"state"`
	Output        string             `json:"output,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Scores        map[string]float64 `json:"scores"`
	Tools         []agent.ToolRecord `json:"tools,omitempty"`
	Transitions   []agent.State      `json:"transitions"`
}

func newRunReport(out *agent.Outcome) runReport {
	r := runReport{
		SessionID:     out.SessionID,
		CorrelationID: out.CorrelationID,
		State:         out.State,
		Output:        out.Output,
		Scores:        out.Scores(),
		Tools:         out.Tools,
		Transitions:   out.Transitions,
	}
	if out.Err != nil {
		r.Reason = out.Err.Error()
	}
	return r
}

func printScores(w io.Writer, scores map[string]float64) {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-28s %.3f\n", name, scores[name])
	}
}
