package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/hotmem/internal/app"
	"github.com/lazypower/hotmem/internal/engine"
	"github.com/lazypower/hotmem/internal/store"
)

// withApp opens the app for the duration of fn.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func dryNote(w io.Writer, a *app.App) {
	if a.Store.DryRun() {
		fmt.Fprintln(w, "(dry run: nothing written)")
	}
}

// --- append ---

var (
	appendCategory   string
	appendImportance int
	appendSource     string
	appendEntities   []string
	appendPinned     bool
)

var appendCmd = &cobra.Command{
	Use:   "append [fact]",
	Short: "Add a fact to the store",
	Long:  "Add a fact unless a valid record already has the same text. Pinned facts are exempt from unpinned eviction.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fact := strings.Join(args, " ")
		c := store.Category(appendCategory)
		if !c.Valid() {
			return fmt.Errorf("unknown category %q", appendCategory)
		}
		if appendImportance < 1 || appendImportance > 10 {
			return fmt.Errorf("importance must be 1-10, got %d", appendImportance)
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			md := store.NewMetadata(c, appendImportance, appendSource, a.Store.Now())
			md.DecayLayer = store.LayerFor(md.ImportanceNormalized, a.Decay.LTMThreshold)
			md.Pinned = appendPinned
			if len(appendEntities) > 0 {
				md.Entities = appendEntities
			}
			added, err := a.Store.Append(ctx, fact, md)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if added {
				fmt.Fprintf(out, "Added: %s\n", fact)
			} else {
				fmt.Fprintf(out, "Skipped (already stored): %s\n", fact)
			}
			dryNote(out, a)
			return nil
		})
	},
}

// --- invalidate ---

var invalidateCmd = &cobra.Command{
	Use:   "invalidate [text]",
	Short: "Mark every valid fact containing text as no longer true",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			n, err := a.Store.Invalidate(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d record(s)\n", n)
			dryNote(cmd.OutOrStdout(), a)
			return nil
		})
	},
}

// --- update ---

var (
	updateCategory   string
	updateImportance int
	updateSource     string
)

var updateCmd = &cobra.Command{
	Use:   "update [old text] [new fact]",
	Short: "Invalidate facts containing old text and add the new fact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := store.Category(updateCategory)
		if !c.Valid() {
			return fmt.Errorf("unknown category %q", updateCategory)
		}
		if updateImportance < 1 || updateImportance > 10 {
			return fmt.Errorf("importance must be 1-10, got %d", updateImportance)
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			md := store.NewMetadata(c, updateImportance, updateSource, a.Store.Now())
			md.DecayLayer = store.LayerFor(md.ImportanceNormalized, a.Decay.LTMThreshold)
			n, err := a.Store.Update(ctx, args[0], args[1], md)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d record(s), stored: %s\n", n, args[1])
			dryNote(cmd.OutOrStdout(), a)
			return nil
		})
	},
}

// --- prune ---

var (
	pruneMaxAge        time.Duration
	pruneBelowStrength float64
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove long-invalidated facts, or facts that have decayed below a strength",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			out := cmd.OutOrStdout()
			if cmd.Flags().Changed("below-strength") {
				pruned, err := engine.PruneWeak(ctx, a.Store, a.Decay, pruneBelowStrength)
				if err != nil {
					return err
				}
				for _, r := range pruned {
					fmt.Fprintf(out, "  - %s\n", r.Fact)
				}
				fmt.Fprintf(out, "Pruned %d record(s) below strength %.2f\n", len(pruned), pruneBelowStrength)
				dryNote(out, a)
				return nil
			}
			maxAge := pruneMaxAge
			if !cmd.Flags().Changed("max-age") {
				maxAge = time.Duration(a.Config.Pipeline.PruneInvalidatedHours) * time.Hour
			}
			n, err := a.Store.Prune(ctx, maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Pruned %d record(s) invalidated more than %s ago\n", n, maxAge)
			dryNote(out, a)
			return nil
		})
	},
}

// --- reinforce ---

var reinforceCmd = &cobra.Command{
	Use:   "reinforce [text]",
	Short: "Strengthen every valid fact containing text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			out := cmd.OutOrStdout()
			rs, err := engine.Reinforce(ctx, a.Store, a.Decay, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if len(rs) == 0 {
				fmt.Fprintln(out, "No matching facts.")
				return nil
			}
			for _, r := range rs {
				fmt.Fprintf(out, "%.3f -> %.3f (accessed %d) %s\n", r.Before, r.After, r.Count, r.Fact)
			}
			dryNote(out, a)
			return nil
		})
	},
}

// --- dedup ---

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Remove valid facts whose text repeats another exactly, keeping the newest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			n, err := a.Store.Dedup(ctx)
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No duplicates found.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d duplicate(s)\n", n)
			dryNote(cmd.OutOrStdout(), a)
			return nil
		})
	},
}

// --- list ---

var (
	listAll    bool
	listFormat string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print stored facts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			res, err := a.Store.Scan()
			if err != nil {
				return err
			}
			return writeList(cmd.OutOrStdout(), res.Records, listAll, listFormat)
		})
	},
}

func writeList(w io.Writer, records []store.Record, all bool, format string) error {
	var shown []store.Record
	for _, r := range records {
		if all || r.Valid() {
			shown = append(shown, r)
		}
	}
	if format == "json" {
		for _, r := range shown {
			doc, err := r.MarshalJSON()
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s\n", doc); err != nil {
				return err
			}
		}
		return nil
	}
	if len(shown) == 0 {
		fmt.Fprintln(w, "No facts stored.")
		return nil
	}
	for i, r := range shown {
		flags := ""
		if r.Metadata.Pinned {
			flags += " pinned"
		}
		if !r.Valid() {
			flags += " invalidated"
		}
		fmt.Fprintf(w, "%d. [%s/%d%s] %s\n", i+1, r.Metadata.Category, r.Metadata.Importance, flags, r.Fact)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	appendCmd.Flags().StringVarP(&appendCategory, "category", "c", string(store.CategoryGeneral), "fact category")
	appendCmd.Flags().IntVarP(&appendImportance, "importance", "i", 5, "importance 1-10")
	appendCmd.Flags().StringVar(&appendSource, "source", "cli", "where the fact came from")
	appendCmd.Flags().StringSliceVar(&appendEntities, "entities", nil, "named entities in the fact")
	appendCmd.Flags().BoolVar(&appendPinned, "pinned", false, "pin the fact")

	updateCmd.Flags().StringVarP(&updateCategory, "category", "c", string(store.CategoryGeneral), "fact category")
	updateCmd.Flags().IntVarP(&updateImportance, "importance", "i", 5, "importance 1-10")
	updateCmd.Flags().StringVar(&updateSource, "source", "cli", "where the fact came from")

	pruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 48*time.Hour, "remove facts invalidated longer ago than this")
	pruneCmd.Flags().Float64Var(&pruneBelowStrength, "below-strength", 0, "remove unpinned facts whose current strength is below this")

	listCmd.Flags().BoolVar(&listAll, "all", false, "include invalidated facts")
	listCmd.Flags().StringVar(&listFormat, "format", "text", "output format (text, json)")
}
