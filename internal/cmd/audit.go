package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/guardrail/internal/audit"
	"github.com/dativo-io/guardrail/internal/config"
)

var (
	auditSession string
	auditSince   time.Duration
	auditLimit   int
	auditState   string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the signed audit trail",
}

func init() {
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit reports, newest first",
		RunE:  withAuditStore("audit.list", auditList),
	}
	list.Flags().StringVar(&auditSession, "session", "", "filter by session ID")
	list.Flags().StringVar(&auditState, "state", "", "filter by terminal state (done, rejected, failed)")
	list.Flags().DurationVar(&auditSince, "since", 0, "only reports newer than this (e.g. 24h)")
	list.Flags().IntVar(&auditLimit, "limit", 20, "maximum reports to show")

	show := &cobra.Command{
		Use:   "show [report-id]",
		Short: "Print one audit report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  withAuditStore("audit.show", auditShow),
	}
	verify := &cobra.Command{
		Use:   "verify [report-id]",
		Short: "Check the HMAC signature of an audit report",
		Args:  cobra.ExactArgs(1),
		RunE:  withAuditStore("audit.verify", auditVerify),
	}

	auditCmd.AddCommand(list, show, verify)
	rootCmd.AddCommand(auditCmd)
}

type auditFunc func(ctx context.Context, cmd *cobra.Command, store *audit.Store, args []string) error

// withAuditStore opens the configured store around fn inside a span.
func withAuditStore(span string, fn auditFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, sp := tracer.Start(cmd.Context(), span)
		defer sp.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.EnsureDataDir(); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		store, err := audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(ctx, cmd, store, args)
	}
}

func auditQuery(now time.Time) audit.Query {
	q := audit.Query{SessionID: auditSession, State: auditState, Limit: auditLimit}
	if auditSince > 0 {
		q.Since = now.Add(-auditSince)
	}
	return q
}

func auditList(ctx context.Context, cmd *cobra.Command, store *audit.Store, _ []string) error {
	reports, err := store.List(ctx, auditQuery(time.Now()))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(reports) == 0 {
		fmt.Fprintln(out, "No audit reports found.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tSESSION\tSTATE\tTOOLS\tDURATION")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%dms\n",
			r.ID, r.Timestamp.Local().Format(time.DateTime), shortID(r.SessionID), r.State, len(r.Tools), r.DurationMS)
	}
	return tw.Flush()
}

func auditShow(ctx context.Context, cmd *cobra.Command, store *audit.Store, args []string) error {
	rep, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func auditVerify(ctx context.Context, cmd *cobra.Command, store *audit.Store, args []string) error {
	ok, err := store.Verify(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("audit report %s: signature INVALID", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "audit report %s: signature VALID\n", args[0])
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
