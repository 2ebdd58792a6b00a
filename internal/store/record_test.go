package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeImportance(t *testing.T) {
	assert.Equal(t, 0.6, NormalizeImportance(6))
	assert.Equal(t, 1.0, NormalizeImportance(10))
	assert.Equal(t, 0.1, NormalizeImportance(1))
}

func TestLayerFor(t *testing.T) {
	assert.Equal(t, LayerShortTerm, LayerFor(0.6, PromotionThreshold))
	assert.Equal(t, LayerLongTerm, LayerFor(0.7, PromotionThreshold))
}

func TestNewMetadata(t *testing.T) {
	md := NewMetadata(CategoryPreference, 6, "hot-path-extractor", testNow)
	assert.Equal(t, 0.6, md.ImportanceNormalized)
	assert.Equal(t, 1.0, md.DecayStrength)
	assert.Zero(t, md.AccessCount)
	assert.Nil(t, md.TInvalid)
	assert.Equal(t, md.CreatedAt, md.TValid)
	assert.Equal(t, LayerShortTerm, md.DecayLayer)
}

func TestParseRecordRoundTrip(t *testing.T) {
	in := NewRecord("User's favorite color is purple", NewMetadata(CategoryPreference, 6, "cli", testNow))
	in.Metadata.Entities = []string{"User"}
	doc, err := in.MarshalJSON()
	require.NoError(t, err)

	out, err := ParseRecord(doc)
	require.NoError(t, err)
	assert.Equal(t, in.Fact, out.Fact)
	assert.Equal(t, in.Metadata, out.Metadata)
}

func TestParseRecordInvalidMarkers(t *testing.T) {
	cases := []struct {
		name  string
		line  string
		valid bool
	}{
		{"null", `{"fact":"x","metadata":{"t_invalid":null}}`, true},
		{"missing", `{"fact":"x","metadata":{}}`, true},
		{"no metadata", `{"fact":"x"}`, true},
		{"false", `{"fact":"x","metadata":{"t_invalid":false}}`, true},
		{"timestamp", `{"fact":"x","metadata":{"t_invalid":"2026-01-01T00:00:00+00:00"}}`, false},
		{"epoch", `{"fact":"x","metadata":{"t_invalid":1767225600}}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := ParseRecord([]byte(tc.line))
			require.NoError(t, err)
			assert.Equal(t, tc.valid, r.Valid())
		})
	}
}

func TestParseRecordRejectsNonObjects(t *testing.T) {
	for _, line := range []string{`[]`, `"fact"`, `{"fact":`, `42`} {
		_, err := ParseRecord([]byte(line))
		assert.Error(t, err, line)
	}
}

func TestRecordSet(t *testing.T) {
	r, err := ParseRecord([]byte(`{"fact":"User has two cats","metadata":{"importance":4}}`))
	require.NoError(t, err)
	require.NoError(t, r.Set("metadata.category", "general"))
	assert.Equal(t, CategoryGeneral, r.Metadata.Category)
	assert.Equal(t, 4, r.Metadata.Importance)
	assert.False(t, r.Field("metadata.source").Exists())
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{
		"2026-03-01T12:00:00Z",
		"2026-03-01T12:00:00.123456+00:00",
		"2026-03-01T12:00:00.123456",
		"2026-03-01 12:00:00",
		"2026-03-01",
	} {
		got, ok := ParseTime(s)
		require.True(t, ok, s)
		assert.Equal(t, 2026, got.Year(), s)
		assert.Equal(t, time.March, got.Month(), s)
	}
	_, ok := ParseTime("yesterday")
	assert.False(t, ok)
	_, ok = ParseTime("")
	assert.False(t, ok)
}

func TestSearchText(t *testing.T) {
	inv := "2026-01-01"
	gone := rec("User drinks green tea every morning", false)
	gone.Metadata.TInvalid = &inv
	records := []Record{
		rec("User drinks black coffee every morning", false),
		rec("User owns a bicycle", false),
		gone,
		rec("User drinks", false),
	}
	got := SearchText(records, "drinks coffee in the morning", 0.3, 5)
	require.Len(t, got, 1)
	assert.Equal(t, "User drinks black coffee every morning", got[0].Record.Fact)
	assert.InDelta(t, 0.6, got[0].Score, 1e-9)

	got = SearchText(records, "owns a bicycle", 0.3, 5)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Score)

	got = SearchText(records, "user drinks a lot", 0.9, 5)
	require.Len(t, got, 1, "a fact contained in the query matches regardless of threshold")
	assert.Equal(t, "User drinks", got[0].Record.Fact)

	assert.Empty(t, SearchText(records, "  ", 0.3, 5))
}

func TestOverlapRatio(t *testing.T) {
	assert.InDelta(t, 1.0, OverlapRatio("the cat", "The cat sat on the mat"), 1e-9)
	assert.InDelta(t, 0.5, OverlapRatio("red apple", "green apple"), 1e-9)
	assert.Zero(t, OverlapRatio("", "anything"))
}
