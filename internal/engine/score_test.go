package engine

import (
	"testing"
	"time"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeNormalized(t *testing.T) {
	w := DefaultWeights()
	assert.InDelta(t, 1.0, w.Composite(1, 1, 1, 1), 1e-12)
	assert.Equal(t, 0.0, w.Composite(0, 0, 0, 0))
	assert.InDelta(t, 1.0/2.6, w.Composite(1, 0, 0, 0), 1e-12)
	assert.Equal(t, 0.0, Weights{}.Composite(1, 1, 1, 1))
}

func TestWeightsFromConfig(t *testing.T) {
	assert.Equal(t, DefaultWeights(), WeightsFromConfig(config.ScoringConfig{}))
	w := WeightsFromConfig(config.ScoringConfig{Relevance: 2})
	assert.Equal(t, 2.0, w.Relevance)
	assert.Equal(t, 0.0, w.Importance)
}

func TestScoreBreakdown(t *testing.T) {
	s := Scorer{Decay: DefaultDecay(), Weights: DefaultWeights()}
	r := recAt("User's favorite color is purple", 6, testNow)

	b := s.Score(r, "favorite color", testNow)
	assert.Equal(t, 1.0, b.Relevance)
	assert.Equal(t, 0.6, b.Importance)
	assert.Equal(t, 1.0, b.Recency)
	assert.Equal(t, 1.0, b.Decay)
	assert.InDelta(t, (1.0+0.8*0.6+0.5+0.3)/2.6, b.Composite, 0.001)

	none := s.Score(r, "kubernetes", testNow)
	assert.Equal(t, 0.0, none.Relevance)
	assert.Less(t, none.Composite, b.Composite)
}

func TestRankOrdersAndSkipsInvalid(t *testing.T) {
	s := Scorer{Decay: DefaultDecay(), Weights: DefaultWeights()}
	gone := recAt("User lives in Boston", 9, testNow)
	ts := store.FormatTime(testNow)
	gone.Metadata.TInvalid = &ts

	records := []store.Record{
		recAt("User enjoys hiking on weekends", 4, testNow.Add(-20*24*time.Hour)),
		gone,
		recAt("User lives in Denver with a partner", 7, testNow),
		recAt("User drinks coffee", 5, testNow),
	}

	ranked := s.Rank(records, "where does the user live", testNow, 0)
	require.Len(t, ranked, 3)
	assert.Equal(t, "User lives in Denver with a partner", ranked[0].Record.Fact)
	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score)
	}

	assert.Len(t, s.Rank(records, "live", testNow, 1), 1)
}
