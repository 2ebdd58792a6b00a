package engine

import (
	"context"
	"strings"

	"github.com/lazypower/hotmem/internal/store"
	"github.com/rs/zerolog/log"
)

// Reinforcement is the before/after strength of one reinforced record.
type Reinforcement struct {
	Fact   string  `json:"fact"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	Count  int     `json:"access_count"`
}

// Reinforce boosts every valid record whose fact contains text
// (case-insensitive), bumps its access count and stamps last_accessed.
// The first access starts from the effective strength; later ones build on
// the stored value, which carries earlier boosts.
func Reinforce(ctx context.Context, st *store.Store, p DecayParams, text string) ([]Reinforcement, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, store.ErrEmptyMatch
	}
	needle := strings.ToLower(text)
	var out []Reinforcement
	err := st.Mutate(ctx, func(records []store.Record) ([]store.Record, error) {
		out = nil
		at := st.Now()
		now := store.FormatTime(at)
		for i := range records {
			r := &records[i]
			if !r.Valid() || !strings.Contains(strings.ToLower(r.Fact), needle) {
				continue
			}
			v := p.EffectiveStrength(*r, at)
			if r.Metadata.AccessCount > 0 && r.Has("decay_strength") {
				v = r.Metadata.DecayStrength
			}
			n := r.Metadata.AccessCount
			after := p.Reinforce(v, n)
			r.Metadata.DecayStrength = after
			r.Metadata.AccessCount = n + 1
			r.Metadata.LastAccessed = now
			out = append(out, Reinforcement{Fact: r.Fact, Before: v, After: after, Count: n + 1})
			log.Info().Str("fact", r.Fact).Float64("before", v).Float64("after", after).Msg("reinforced")
		}
		if len(out) == 0 {
			log.Warn().Str("match", text).Msg("reinforce_no_match")
			return nil, store.ErrNoChange
		}
		return records, nil
	})
	return out, err
}

// PruneWeak removes unpinned records whose current strength is below
// threshold. Removed records go to the archive.
func PruneWeak(ctx context.Context, st *store.Store, p DecayParams, threshold float64) ([]store.Record, error) {
	var pruned []store.Record
	err := st.MutateRemoving(ctx, func(records []store.Record) ([]store.Record, []store.Record, error) {
		pruned = nil
		now := st.Now()
		kept := records[:0:0]
		for _, r := range records {
			if !r.Metadata.Pinned && p.CurrentStrength(r, now) < threshold {
				pruned = append(pruned, r)
				continue
			}
			kept = append(kept, r)
		}
		if len(pruned) == 0 {
			return nil, nil, store.ErrNoChange
		}
		for _, r := range pruned {
			log.Info().Str("fact", truncate(r.Fact, 60)).Float64("strength", p.CurrentStrength(r, now)).Msg("pruned_weak")
		}
		return kept, pruned, nil
	})
	return pruned, err
}
