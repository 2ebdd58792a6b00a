package lint

import (
	"context"
	"fmt"

	"github.com/lazypower/hotmem/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

type fallback struct {
	field string
	value func(now string) any
}

var fallbacks = []fallback{
	{"category", func(string) any { return string(store.CategoryGeneral) }},
	{"importance", func(string) any { return 5 }},
	{"created_at", func(now string) any { return now }},
	{"decay_strength", func(string) any { return 1.0 }},
	{"source", func(string) any { return "unknown" }},
	{"entities", func(string) any { return []string{} }},
}

// Fix repairs what can be repaired without judgment: missing fields get
// defaults, importance_normalized is recomputed, unknown categories become
// general. Duplicates and fact text are left alone. It returns the actions
// taken and the records as repaired; under dry-run nothing is written.
func (l Linter) Fix(ctx context.Context, st *store.Store) ([]string, []store.Record, error) {
	var actions []string
	var fixed []store.Record
	err := st.Mutate(ctx, func(records []store.Record) ([]store.Record, error) {
		actions = nil
		now := store.FormatTime(l.now())
		for i := range records {
			acts, err := fixRecord(&records[i], now)
			if err != nil {
				return nil, fmt.Errorf("fix record %d: %w", i, err)
			}
			for _, a := range acts {
				actions = append(actions, fmt.Sprintf("[%d] %s", i, a))
			}
		}
		fixed = records
		if len(actions) == 0 {
			return nil, store.ErrNoChange
		}
		return records, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(actions) > 0 {
		log.Info().Int("actions", len(actions)).Bool("dry_run", st.DryRun()).Msg("lint_fixes_applied")
	}
	return actions, fixed, nil
}

func fixRecord(r *store.Record, now string) ([]string, error) {
	var acts []string
	set := func(path string, v any, action string) error {
		if err := r.Set(path, v); err != nil {
			return err
		}
		acts = append(acts, action)
		return nil
	}
	md := func(key string) gjson.Result { return r.Raw().Get("metadata." + key) }

	if !r.Raw().Get("metadata").IsObject() {
		if err := set("metadata", map[string]any{}, "Replaced non-object metadata"); err != nil {
			return nil, err
		}
	}

	for _, f := range fallbacks {
		if md(f.field).Exists() {
			continue
		}
		v := f.value(now)
		if err := set("metadata."+f.field, v, fmt.Sprintf("Set missing %s = %v", f.field, v)); err != nil {
			return nil, err
		}
	}

	if imp := md("importance"); isInteger(imp) && imp.Int() >= 1 && imp.Int() <= 10 {
		want := store.NormalizeImportance(int(imp.Int()))
		if norm := md("importance_normalized"); norm.Type != gjson.Number || norm.Num != want {
			if err := set("metadata.importance_normalized", want, fmt.Sprintf("Fixed importance_normalized = %v", want)); err != nil {
				return nil, err
			}
		}
	}

	if c := md("category"); c.Type != gjson.String || !store.Category(c.String()).Valid() {
		if err := set("metadata.category", string(store.CategoryGeneral),
			fmt.Sprintf("Fixed invalid category %s -> \"general\"", c.Raw)); err != nil {
			return nil, err
		}
	}

	if !md("access_count").Exists() {
		if err := set("metadata.access_count", 0, "Set missing access_count = 0"); err != nil {
			return nil, err
		}
	}
	created := now
	if c := md("created_at"); c.Type == gjson.String {
		created = c.String()
	}
	for _, key := range []string{"last_accessed", "t_valid"} {
		if !md(key).Exists() {
			if err := set("metadata."+key, created, "Set missing "+key); err != nil {
				return nil, err
			}
		}
	}
	if !md("t_invalid").Exists() {
		if err := set("metadata.t_invalid", nil, "Set missing t_invalid = null"); err != nil {
			return nil, err
		}
	}
	return acts, nil
}
