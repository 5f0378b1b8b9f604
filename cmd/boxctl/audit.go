package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mystery-box-service/internal/adapters/analytics/clickhouse"
)

func newStatsCmd(a *app) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "stats [box-id]",
		Short: "Show the observed tier distribution of a box from the audit warehouse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sink, closeSink, err := a.auditSink(cmd)
			if err != nil {
				return err
			}
			defer closeSink()

			stats, err := sink.TierDistribution(cmd.Context(), args[0], time.Now().Add(-since))
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no purchases of %s in the last %s\n", args[0], since)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tDRAWS\tSHARE\tTOP_AWARDS\tDOWNGRADES\tPOINTS")
			for _, st := range stats {
				fmt.Fprintf(w, "%d\t%d\t%.4f\t%d\t%d\t%d\n",
					st.TierIndex, st.Draws, st.Share, st.TopAwards, st.Downgrades, st.TotalPoints)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to aggregate")
	return cmd
}

func newFlaggedCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "flagged",
		Short: "List the newest purchases the audit rules flagged",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}
			sink, closeSink, err := a.auditSink(cmd)
			if err != nil {
				return err
			}
			defer closeSink()

			flagged, err := sink.RecentFlagged(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OCCURRED_AT\tACCOUNT\tBOX\tEVENT\tREASON")
			for _, f := range flagged {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					f.OccurredAt.Format(time.RFC3339), f.AccountID, f.BoxID, dim(f.EventID), failMark(f.Reason))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of rows to show")
	return cmd
}

func (a *app) auditSink(cmd *cobra.Command) (*clickhouse.AuditSink, func(), error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.ClickHouse.Addr == "" {
		return nil, nil, errors.New("clickhouse.addr is not configured")
	}
	conn, err := clickhouse.Connect(cmd.Context(), cfg.ClickHouse)
	if err != nil {
		return nil, nil, err
	}
	closeConn := func() {
		if err := conn.Close(); err != nil {
			a.logger.Error("Failed to close ClickHouse connection", "error", err)
		}
	}
	return clickhouse.NewAuditSink(conn), closeConn, nil
}
