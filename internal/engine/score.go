package engine

import (
	"sort"
	"time"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/store"
)

// Weights are the composite score coefficients.
type Weights struct {
	Relevance  float64 `json:"relevance"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
	Decay      float64 `json:"decay"`
}

// DefaultWeights favors relevance, then importance.
func DefaultWeights() Weights {
	return Weights{Relevance: 1.0, Importance: 0.8, Recency: 0.5, Decay: 0.3}
}

// WeightsFromConfig returns configured weights, or the defaults when all
// are zero.
func WeightsFromConfig(c config.ScoringConfig) Weights {
	w := Weights{Relevance: c.Relevance, Importance: c.Importance, Recency: c.Recency, Decay: c.Decay}
	if w.sum() <= 0 {
		return DefaultWeights()
	}
	return w
}

func (w Weights) sum() float64 {
	return w.Relevance + w.Importance + w.Recency + w.Decay
}

// Breakdown holds the individual signals and the composite.
type Breakdown struct {
	Relevance  float64 `json:"relevance"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
	Decay      float64 `json:"decay"`
	Composite  float64 `json:"composite"`
}

// Composite is the weighted mean of the signals, in [0, 1].
func (w Weights) Composite(relevance, importance, recency, decay float64) float64 {
	total := w.sum()
	if total <= 0 {
		return 0
	}
	raw := w.Relevance*relevance + w.Importance*importance + w.Recency*recency + w.Decay*decay
	return raw / total
}

// Scored is a record with its score.
type Scored struct {
	Record    store.Record
	Score     float64
	Breakdown Breakdown
}

// Scorer ranks records against a query.
type Scorer struct {
	Decay   DecayParams
	Weights Weights
}

// Score computes the breakdown for one record.
func (s Scorer) Score(r store.Record, query string, now time.Time) Breakdown {
	rel := store.QueryCoverage(query, r.Fact)
	imp := Importance(r)
	rec := s.Decay.Recency(SinceAccess(r, now).Hours())
	dec := s.Decay.EffectiveStrength(r, now)
	c := s.Weights.Composite(rel, imp, rec, dec)
	return Breakdown{
		Relevance:  round(rel, 3),
		Importance: round(imp, 3),
		Recency:    round(rec, 3),
		Decay:      round(dec, 3),
		Composite:  round(c, 3),
	}
}

// Rank scores every valid record and returns them best first, at most
// limit when limit > 0.
func (s Scorer) Rank(records []store.Record, query string, now time.Time, limit int) []Scored {
	var out []Scored
	for _, r := range records {
		if !r.Valid() {
			continue
		}
		b := s.Score(r, query, now)
		out = append(out, Scored{Record: r, Score: b.Composite, Breakdown: b})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
