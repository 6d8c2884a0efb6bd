package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dativo-io/guardrail/internal/config"
)

var (
	scanStage  string
	scanPrompt string
)

var scanCmd = &cobra.Command{
	Use:   "scan [text]",
	Short: "Run a scan pipeline over text without calling a model",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanStage, "stage", "input", "pipeline to run (input, output)")
	scanCmd.Flags().StringVar(&scanPrompt, "prompt", "", "prompt the text answers (output relevance)")
	rootCmd.AddCommand(scanCmd)
}

type scanReport struct {
	Stage     string             `json:"stage"`
	Valid     bool               `json:"valid"`
	Sanitized string             `json:"sanitized,omitempty"`
	Scores    map[string]float64 `json:"scores"`
	Failed    []string           `json:"failed,omitempty"`
	Warnings  []string           `json:"warnings,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "scan")
	defer span.End()

	if scanStage != "input" && scanStage != "output" {
		return fmt.Errorf("--stage must be input or output, got %q", scanStage)
	}
	text, err := readPrompt(cmd, args)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	factory, err := buildFactory(cfg)
	if err != nil {
		return err
	}
	sess, err := factory.New()
	if err != nil {
		return err
	}

	p := sess.Input
	if scanStage == "output" {
		p = sess.Output
	}
	res, err := p.Run(ctx, text, scanPrompt)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	rep := scanReport{
		Stage:    scanStage,
		Valid:    res.IsValid(),
		Scores:   res.Scores,
		Failed:   res.FailedScanners(),
		Warnings: res.Warnings(),
	}
	if rep.Valid {
		rep.Sanitized = res.Sanitized
	}
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if !rep.Valid {
		return fmt.Errorf("%w: %s scanners failed: %v", errRejected, scanStage, res.FailedScanners())
	}
	return nil
}
