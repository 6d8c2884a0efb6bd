package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dativo-io/guardrail/internal/config"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools offered to the model",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "tools")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		reg, err := buildTools(cfg)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tDESCRIPTION")
		for _, def := range reg.Definitions() {
			fmt.Fprintf(tw, "%s\t%s\n", def.Name, def.Description)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
