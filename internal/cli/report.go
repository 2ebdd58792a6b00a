package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/hotmem/internal/app"
	"github.com/lazypower/hotmem/internal/engine"
	"github.com/lazypower/hotmem/internal/health"
	"github.com/lazypower/hotmem/internal/lint"
	"github.com/lazypower/hotmem/internal/store"
)

// --- decay-report ---

var decayFormat string

var decayReportCmd = &cobra.Command{
	Use:   "decay-report",
	Short: "Show age, layer, strength and half-life of every fact",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			records, err := a.Store.ReadAll()
			if err != nil {
				return err
			}
			entries := a.Decay.DecayReport(records, a.Store.Now())
			if decayFormat == "json" {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			return writeDecayTable(cmd.OutOrStdout(), entries)
		})
	},
}

func writeDecayTable(w io.Writer, entries []engine.DecayEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No facts stored.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGE(d)\tLAYER\tIMP\tSTRENGTH\tHALF-LIFE(d)\tACCESS\tFACT")
	for _, e := range entries {
		half := fmt.Sprintf("%.1f", e.HalfLifeDays)
		if e.HalfLifeDays < 0 {
			half = "inf"
		}
		fact := e.Fact
		if !e.Valid {
			fact += " (invalidated)"
		}
		fmt.Fprintf(tw, "%.1f\t%s\t%d\t%.3f\t%s\t%d\t%s\n",
			e.AgeDays, e.Layer, e.Importance, e.Strength, half, e.AccessCount, fact)
	}
	return tw.Flush()
}

// --- lint ---

var (
	lintFix    bool
	lintFormat string
)

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Check stored facts for quality problems",
	Long: `Run the quality checks over the store. Exit status is 0 when clean,
1 when warnings remain and 2 for critical problems such as a missing store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			rep, err := a.Lint(ctx, lintFix)
			if err != nil {
				return err
			}
			if lintFormat == "json" {
				err = printJSON(cmd.OutOrStdout(), rep)
			} else {
				err = rep.WriteText(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if code := rep.ExitCode(); code != lint.ExitClean {
				return &ExitError{Code: code}
			}
			return nil
		})
	},
}

// --- health ---

var (
	healthFix       bool
	healthFormat    string
	healthAlertOnly bool
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the memory system and optionally repair it",
	Long: `Check marker freshness, store counts, archive size, disk space, the
reasoning service, the capsule, failure counters and temp files. Exit status
is 0 when healthy, 1 when degraded and 2 when critical.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			rep := a.CheckHealth(ctx, healthFix)
			if healthAlertOnly {
				health.Alert(ctx, a.Notifier, rep)
				return nil
			}
			var err error
			if healthFormat == "json" {
				err = printJSON(cmd.OutOrStdout(), rep)
			} else {
				err = rep.WriteText(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if code := rep.ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		})
	},
}

// --- digest ---

var digestDay string

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Summarize a day of extraction runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			day := digestDay
			if day == "" {
				day = a.Store.Now().UTC().Format("2006-01-02")
			}
			if _, err := time.Parse("2006-01-02", day); err != nil {
				return fmt.Errorf("--day must be YYYY-MM-DD: %w", err)
			}
			d, err := a.State.DigestFor(day)
			if err != nil {
				return err
			}
			runs, err := a.State.RecentRuns(5)
			if err != nil {
				return err
			}
			failures, err := a.State.Failures()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Memory digest for %s\n", d.Day)
			fmt.Fprintf(out, "  runs: %d  extracted: %d  added: %d  updated: %d  deleted: %d  errors: %d\n",
				d.Runs, d.Extracted, d.Added, d.Updated, d.Deleted, d.Errors)
			records, err := a.Store.ReadAll()
			if err == nil {
				fmt.Fprintf(out, "  store: %s\n", statsLine(records))
			}
			for _, f := range failures {
				fmt.Fprintf(out, "  failing: %s x%d since %s (%s)\n",
					f.Component, f.Count, f.FirstAt.Format(time.RFC3339), f.LastError)
			}
			if len(runs) > 0 {
				fmt.Fprintln(out, "Recent runs:")
				for _, r := range runs {
					fmt.Fprintf(out, "  %s  %-8s stage=%s added=%d updated=%d deleted=%d errors=%d\n",
						r.StartedAt.Format(time.RFC3339), r.Outcome, r.Stage, r.Added, r.Updated, r.Deleted, r.Errors)
				}
			}
			return nil
		})
	},
}

func init() {
	decayReportCmd.Flags().StringVar(&decayFormat, "format", "table", "output format (table, json)")

	lintCmd.Flags().BoolVar(&lintFix, "fix", false, "repair what can be repaired safely")
	lintCmd.Flags().StringVar(&lintFormat, "format", "text", "output format (text, json)")

	healthCmd.Flags().BoolVar(&healthFix, "fix", false, "auto-fix recoverable issues")
	healthCmd.Flags().StringVar(&healthFormat, "format", "text", "output format (text, json)")
	healthCmd.Flags().BoolVar(&healthAlertOnly, "alert-only", false, "only send an alert on critical problems (for cron)")

	digestCmd.Flags().StringVar(&digestDay, "day", "", "day to summarize, YYYY-MM-DD (default today)")
}

func statsLine(records []store.Record) string {
	st := store.CountStats(records)
	return fmt.Sprintf("%d total, %d valid, %d invalidated, %d pinned", st.Total, st.Valid, st.Invalidated, st.Pinned)
}
