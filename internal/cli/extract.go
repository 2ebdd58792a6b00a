package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lazypower/hotmem/internal/app"
	"github.com/lazypower/hotmem/internal/engine"
)

var (
	extractForce  bool
	extractFormat string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract facts from recent activity and reconcile them into the store",
	Long: `Run one pass of the extraction pipeline: query activity since the marker,
ask the reasoning service for candidate facts, validate them, and reconcile
each one against the store. --force ignores the interval gate and the
instance lock.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			res, err := a.Extract(ctx, extractForce)
			if extractFormat == "json" {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			} else {
				writeResult(cmd.OutOrStdout(), res)
			}
			if errors.Is(err, engine.ErrMarkerHeld) {
				fmt.Fprintf(cmd.ErrOrStderr(), "marker held: %v\n", err)
				return nil
			}
			return err
		})
	},
}

func writeResult(w io.Writer, res engine.Result) {
	if res.StageName != "" {
		fmt.Fprintf(w, "Extraction %s (stage %s)\n", res.Outcome, res.StageName)
	} else {
		fmt.Fprintf(w, "Extraction %s\n", res.Outcome)
	}
	fmt.Fprintf(w, "  extracted: %d  validated: %d  added: %d  updated: %d  deleted: %d  noop: %d  deferred: %d\n",
		res.Extracted, res.Validated, res.Added, res.Updated, res.Deleted, res.Noop, res.Deferred)
	if res.Errors > 0 {
		fmt.Fprintf(w, "  errors: %d\n", res.Errors)
	}
	for _, rj := range res.Rejections {
		fmt.Fprintf(w, "  rejected: %s (%s)\n", rj.Fact, rj.Reason)
	}
	if res.Outcome == engine.OutcomeDryRun {
		fmt.Fprintln(w, "(dry run: nothing written)")
	}
}

func init() {
	extractCmd.Flags().BoolVar(&extractForce, "force", false, "skip the interval gate and the instance lock")
	extractCmd.Flags().StringVar(&extractFormat, "format", "text", "output format (text, json)")
}
