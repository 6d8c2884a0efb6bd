package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dativo-io/guardrail/internal/config"
	"github.com/dativo-io/guardrail/internal/doctor"
)

var (
	doctorJSON        bool
	doctorSkipBackend bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, storage and model backend health",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the report as JSON")
	doctorCmd.Flags().BoolVar(&doctorSkipBackend, "skip-backend", false, "skip model backend connectivity checks")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx, span := tracer.Start(cmd.Context(), "doctor")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	report := doctor.Run(ctx, cfg, doctor.Options{SkipBackend: doctorSkipBackend})

	render := printDoctorTable
	if doctorJSON {
		render = printDoctorJSON
	}
	if err := render(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if report.Status == doctor.StatusFail {
		return fmt.Errorf("doctor: %d checks failed", report.Summary.Fail)
	}
	return nil
}

func printDoctorJSON(w io.Writer, report *doctor.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func printDoctorTable(w io.Writer, report *doctor.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCHECK\tDETAIL")
	for _, c := range report.Checks {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Status, c.Name, c.Message)
		if c.Status != doctor.StatusPass && c.Fix != "" {
			fmt.Fprintf(tw, "\t\tfix: %s\n", c.Fix)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	s := report.Summary
	_, err := fmt.Fprintf(w, "\n%d passed, %d warnings, %d failed\n", s.Pass, s.Warn, s.Fail)
	return err
}
