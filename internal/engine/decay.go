package engine

// Forgetting curve:
//
//	lambda   = LambdaBase * exp(-Mu * importance)
//	beta     = BetaLTM if importance >= LTMThreshold else BetaSTM
//	strength = exp(-lambda * days^beta)
//
// Important facts get a smaller lambda and the sub-linear long-term beta,
// so they fade slowly; trivia fades super-linearly. Access reinforces
// strength with diminishing returns:
//
//	v' = min(1, v + Delta * (1 - v) * exp(-n / N))

import (
	"math"
	"time"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/store"
)

// DecayParams are the forgetting-curve constants.
type DecayParams struct {
	LambdaBase     float64
	Mu             float64
	BetaLTM        float64
	BetaSTM        float64
	LTMThreshold   float64
	RecencyBase    float64
	ReinforceDelta float64
	ReinforceN     float64
}

// DefaultDecay returns the stock curve.
func DefaultDecay() DecayParams {
	return DecayParams{
		LambdaBase:     0.1,
		Mu:             2.0,
		BetaLTM:        0.8,
		BetaSTM:        1.2,
		LTMThreshold:   store.PromotionThreshold,
		RecencyBase:    0.995,
		ReinforceDelta: 0.15,
		ReinforceN:     5,
	}
}

// DecayFromConfig fills unset values from DefaultDecay.
func DecayFromConfig(c config.DecayConfig) DecayParams {
	p := DefaultDecay()
	set := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	set(&p.LambdaBase, c.LambdaBase)
	set(&p.Mu, c.Mu)
	set(&p.BetaLTM, c.BetaLTM)
	set(&p.BetaSTM, c.BetaSTM)
	set(&p.LTMThreshold, c.LTMThreshold)
	set(&p.RecencyBase, c.RecencyBase)
	set(&p.ReinforceDelta, c.ReinforceDelta)
	set(&p.ReinforceN, c.ReinforceN)
	return p
}

// Lambda is the decay rate for a normalized importance.
func (p DecayParams) Lambda(importance float64) float64 {
	return p.LambdaBase * math.Exp(-p.Mu*importance)
}

// Beta is the curve shape for a normalized importance.
func (p DecayParams) Beta(importance float64) float64 {
	if importance >= p.LTMThreshold {
		return p.BetaLTM
	}
	return p.BetaSTM
}

// Strength is the retention after days have elapsed.
func (p DecayParams) Strength(importance, days float64) float64 {
	if days <= 0 {
		return 1.0
	}
	return math.Exp(-p.Lambda(importance) * math.Pow(days, p.Beta(importance)))
}

// Recency decays per hour since last access.
func (p DecayParams) Recency(hours float64) float64 {
	if hours <= 0 {
		return 1.0
	}
	return math.Pow(p.RecencyBase, hours)
}

// HalfLife returns the days until strength reaches 0.5, or +Inf when the
// curve never decays.
func (p DecayParams) HalfLife(importance float64) float64 {
	lambda := p.Lambda(importance)
	if lambda <= 0 {
		return math.Inf(1)
	}
	return math.Pow(math.Ln2/lambda, 1/p.Beta(importance))
}

// Reinforce returns the strength after one more access, given the current
// strength v and prior access count n.
func (p DecayParams) Reinforce(v float64, n int) float64 {
	boost := p.ReinforceDelta * (1 - v) * math.Exp(-float64(n)/p.ReinforceN)
	return math.Min(1.0, v+boost)
}

// Age is the time since a record was created. Unparsable timestamps count
// as zero.
func Age(r store.Record, now time.Time) time.Duration {
	t, ok := store.ParseTime(r.Metadata.CreatedAt)
	if !ok {
		return 0
	}
	return now.Sub(t)
}

// SinceAccess is the time since last access, falling back to creation.
func SinceAccess(r store.Record, now time.Time) time.Duration {
	ts := r.Metadata.LastAccessed
	if ts == "" {
		ts = r.Metadata.CreatedAt
	}
	t, ok := store.ParseTime(ts)
	if !ok {
		return 0
	}
	return now.Sub(t)
}

// Importance returns importance_normalized, defaulting to 0.5 when absent.
func Importance(r store.Record) float64 {
	if r.Has("importance_normalized") {
		return r.Metadata.ImportanceNormalized
	}
	if r.Has("importance") {
		return store.NormalizeImportance(r.Metadata.Importance)
	}
	return 0.5
}

// CurrentStrength is the time-based strength for r now.
func (p DecayParams) CurrentStrength(r store.Record, now time.Time) float64 {
	return p.Strength(Importance(r), Age(r, now).Hours()/24)
}

// EffectiveStrength combines stored strength (which carries reinforcement)
// with the time-based curve, so stored values never outlive the curve.
func (p DecayParams) EffectiveStrength(r store.Record, now time.Time) float64 {
	computed := p.CurrentStrength(r, now)
	if r.Has("decay_strength") {
		return math.Min(r.Metadata.DecayStrength, computed)
	}
	return computed
}

// DecayEntry is one row of the decay report.
type DecayEntry struct {
	Fact         string      `json:"fact"`
	Importance   int         `json:"importance"`
	Layer        store.Layer `json:"layer"`
	AgeDays      float64     `json:"age_days"`
	Strength     float64     `json:"strength"`
	HalfLifeDays float64     `json:"half_life_days"`
	AccessCount  int         `json:"access_count"`
	Valid        bool        `json:"valid"`
	Pinned       bool        `json:"pinned"`
}

// DecayReport describes the forgetting state of every record.
func (p DecayParams) DecayReport(records []store.Record, now time.Time) []DecayEntry {
	out := make([]DecayEntry, 0, len(records))
	for _, r := range records {
		imp := Importance(r)
		half := p.HalfLife(imp)
		if math.IsInf(half, 1) {
			half = -1
		}
		out = append(out, DecayEntry{
			Fact:         r.Fact,
			Importance:   r.Metadata.Importance,
			Layer:        store.LayerFor(imp, p.LTMThreshold),
			AgeDays:      round(Age(r, now).Hours()/24, 1),
			Strength:     round(p.CurrentStrength(r, now), 3),
			HalfLifeDays: round(half, 1),
			AccessCount:  r.Metadata.AccessCount,
			Valid:        r.Valid(),
			Pinned:       r.Metadata.Pinned,
		})
	}
	return out
}

func round(v float64, places int) float64 {
	f := math.Pow(10, float64(places))
	return math.Round(v*f) / f
}
