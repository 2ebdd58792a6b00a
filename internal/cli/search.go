package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lazypower/hotmem/internal/app"
	"github.com/lazypower/hotmem/internal/engine"
)

var (
	searchLimit   int
	searchFormat  string
	searchHotOnly bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Rank stored facts against a query and search the capsule",
	Long:  "Score hot memories by relevance, importance, recency and decay, merged with capsule search results.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withApp(func(ctx context.Context, a *app.App) error {
			res, err := a.Search(ctx, query, searchLimit, searchHotOnly)
			if err != nil {
				return err
			}
			if searchFormat == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			return writeSearchTable(cmd.OutOrStdout(), res)
		})
	},
}

func writeSearchTable(w io.Writer, res app.SearchResult) error {
	if len(res.Memories) == 0 && len(res.Capsule) == 0 {
		fmt.Fprintln(w, "No results found.")
	}
	if len(res.Memories) > 0 {
		fmt.Fprintln(w, "## Hot memories")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SCORE\tREL\tIMP\tREC\tDECAY\tFACT")
		for _, m := range res.Memories {
			writeScoreRow(tw, m.Breakdown, m.Fact)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if len(res.Capsule) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "## Capsule")
		for i, s := range res.Capsule {
			fmt.Fprintf(w, "%d. %s\n\n", i+1, s)
		}
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	return nil
}

func writeScoreRow(w io.Writer, b engine.Breakdown, fact string) {
	fmt.Fprintf(w, "%.3f\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n", b.Composite, b.Relevance, b.Importance, b.Recency, b.Decay, fact)
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum results per source")
	searchCmd.Flags().StringVar(&searchFormat, "format", "table", "output format (table, json)")
	searchCmd.Flags().BoolVar(&searchHotOnly, "hot-only", false, "skip the capsule")
}
