package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testStore(t *testing.T, mod ...func(*Options)) *Store {
	t.Helper()
	opts := Options{
		Path:        filepath.Join(t.TempDir(), "hot-memories.jsonl"),
		LockTimeout: 200 * time.Millisecond,
		Now:         func() time.Time { return testNow },
	}
	for _, m := range mod {
		m(&opts)
	}
	return New(opts)
}

func rec(fact string, pinned bool) Record {
	md := NewMetadata(CategoryGeneral, 5, "test", testNow)
	md.Pinned = pinned
	return NewRecord(fact, md)
}

func facts(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Fact
	}
	return out
}

func TestCapacityInvariant(t *testing.T) {
	s := testStore(t, func(o *Options) { o.MaxTotal = 10; o.MaxPinned = 3 })
	ctx := context.Background()

	var records []Record
	for i := 0; i < 8; i++ {
		records = append(records, rec(fmt.Sprintf("pinned fact number %d", i), true))
	}
	for i := 0; i < 20; i++ {
		records = append(records, rec(fmt.Sprintf("unpinned fact number %d", i), false))
	}
	require.NoError(t, s.WriteAll(ctx, records))

	got, err := s.ReadAll()
	require.NoError(t, err)
	st := CountStats(got)
	assert.Equal(t, 10, st.Total)
	assert.Equal(t, 3, st.Pinned)

	// newest survive, in original relative order
	assert.Equal(t, []string{
		"pinned fact number 5", "pinned fact number 6", "pinned fact number 7",
		"unpinned fact number 13", "unpinned fact number 14", "unpinned fact number 15",
		"unpinned fact number 16", "unpinned fact number 17", "unpinned fact number 18",
		"unpinned fact number 19",
	}, facts(got))

	n, err := s.Archive().Lines()
	require.NoError(t, err)
	assert.Equal(t, 5+13, n)

	data, err := os.ReadFile(s.Archive().Path)
	require.NoError(t, err)
	first := strings.SplitN(string(data), "\n", 2)[0]
	assert.Equal(t, "pinned fact number 0", gjson.Get(first, "fact").String())
	assert.Equal(t, FormatTime(testNow), gjson.Get(first, "metadata.evicted_at").String())
}

func TestCapacityInvariantRepeatedWrites(t *testing.T) {
	s := testStore(t, func(o *Options) { o.MaxTotal = 7; o.MaxPinned = 2 })
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := s.Append(ctx, fmt.Sprintf("Fact %d about the user", i), rec("", i%3 == 0).Metadata)
		require.NoError(t, err)
		got, err := s.ReadAll()
		require.NoError(t, err)
		st := CountStats(got)
		require.LessOrEqual(t, st.Total, 7)
		require.LessOrEqual(t, st.Pinned, 2)
	}
}

func TestAtomicWriteFailureLeavesFileIntact(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, "User lives in Lisbon since 2024", rec("", false).Metadata)
	require.NoError(t, err)
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	rename = func(string, string) error { return errors.New("simulated crash") }
	t.Cleanup(func() { rename = os.Rename })

	_, err = s.Append(ctx, "User owns a dog named Biscuit", rec("", false).Metadata)
	require.Error(t, err)

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(before, after), "store must be byte-identical after failed write")

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestScanToleratesCorruptLines(t *testing.T) {
	s := testStore(t)
	content := `{"fact":"User prefers tea over coffee","metadata":{"importance":6}}
{"fact": "truncated
not json at all

[1,2,3]
{"fact":"User runs every Sunday morning","metadata":{"importance":5}}
`
	require.NoError(t, os.WriteFile(s.Path(), []byte(content), 0o600))

	res, err := s.Scan()
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.Equal(t, 3, res.Corrupt)
	assert.Equal(t, []string{"User prefers tea over coffee", "User runs every Sunday morning"}, facts(res.Records))
}

func TestScanRefusesOversizedFile(t *testing.T) {
	s := testStore(t, func(o *Options) { o.MaxFileBytes = 64 })
	line := `{"fact":"User has a very long fact that pushes the file over the limit"}` + "\n"
	require.NoError(t, os.WriteFile(s.Path(), []byte(line+line), 0o600))

	res, err := s.Scan()
	require.NoError(t, err)
	assert.True(t, res.Oversized)
	assert.Empty(t, res.Records)

	_, err = s.Append(context.Background(), "User likes jazz music a lot", rec("", false).Metadata)
	assert.ErrorIs(t, err, ErrOversized)
}

func TestMissingFileIsEmpty(t *testing.T) {
	s := testStore(t)
	res, err := s.Scan()
	require.NoError(t, err)
	assert.False(t, res.Exists)
	assert.Empty(t, res.Records)
}

func TestUnknownFieldsSurviveRewrite(t *testing.T) {
	s := testStore(t)
	line := `{"fact":"User's sister is named Ana","extra":{"k":[1,2]},"metadata":{"importance":"high","category":"person","custom_tag":"x","t_invalid":null}}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(line+"\n"), 0o600))

	_, err := s.Append(context.Background(), "User works at a bakery downtown", rec("", false).Metadata)
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	first := strings.SplitN(string(data), "\n", 2)[0]
	assert.Equal(t, `{"k":[1,2]}`, gjson.Get(first, "extra").Raw)
	assert.Equal(t, "x", gjson.Get(first, "metadata.custom_tag").String())
	assert.Equal(t, "high", gjson.Get(first, "metadata.importance").String(), "mistyped value kept as written")
	assert.False(t, gjson.Get(first, "metadata.decay_strength").Exists(), "absent fields are not invented")
	assert.Equal(t, gjson.Null, gjson.Get(first, "metadata.t_invalid").Type)
}

func TestAppendDuplicateGuard(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	added, err := s.Append(ctx, "User's favorite color is purple", rec("", false).Metadata)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Append(ctx, "  user's FAVORITE color is purple ", rec("", false).Metadata)
	require.NoError(t, err)
	assert.False(t, added)

	_, err = s.Invalidate(ctx, "favorite color")
	require.NoError(t, err)
	added, err = s.Append(ctx, "User's favorite color is purple", rec("", false).Metadata)
	require.NoError(t, err)
	assert.True(t, added, "an invalidated twin does not block")

	got, _ := s.ReadAll()
	assert.Len(t, got, 2)
}

func TestInvalidateIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, f := range []string{"User drives a red Volvo", "User drives to work daily", "User likes Thai food"} {
		_, err := s.Append(ctx, f, rec("", false).Metadata)
		require.NoError(t, err)
	}

	n, err := s.Invalidate(ctx, "DRIVES")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	once, _ := os.ReadFile(s.Path())

	n, err = s.Invalidate(ctx, "drives")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	twice, _ := os.ReadFile(s.Path())
	assert.Equal(t, string(once), string(twice))

	got, _ := s.ReadAll()
	var valid []string
	for _, r := range got {
		if r.Valid() {
			valid = append(valid, r.Fact)
		}
	}
	assert.Equal(t, []string{"User likes Thai food"}, valid)

	_, err = s.Invalidate(ctx, "  ")
	assert.ErrorIs(t, err, ErrEmptyMatch)
}

func TestUpdateInvalidatesAndAppends(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, "User lives in Porto", rec("", false).Metadata)
	require.NoError(t, err)

	n, err := s.Update(ctx, "lives in Porto", "User lives in Lisbon", NewMetadata(CategoryLocation, 7, "test", testNow))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.ReadAll()
	require.Len(t, got, 2)
	assert.False(t, got[0].Valid())
	assert.Equal(t, FormatTime(testNow), *got[0].Metadata.TInvalid)
	assert.True(t, got[1].Valid())
	assert.Equal(t, "User lives in Lisbon", got[1].Fact)
	assert.Equal(t, LayerLongTerm, got[1].Metadata.DecayLayer)
	assert.Equal(t, "lives in Porto", got[1].Field("metadata.updated_from").String())
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	old := FormatTime(testNow.Add(-72 * time.Hour))
	recent := FormatTime(testNow.Add(-time.Hour))
	garbage := "not a date"

	records := []Record{rec("User fact one is old", false), rec("User fact two is recent", false), rec("User fact three garbage", false), rec("User fact four valid", false)}
	records[0].Metadata.TInvalid = &old
	records[1].Metadata.TInvalid = &recent
	records[2].Metadata.TInvalid = &garbage
	ctx := context.Background()
	require.NoError(t, s.WriteAll(ctx, records))

	n, err := s.Prune(ctx, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.ReadAll()
	assert.Equal(t, []string{"User fact two is recent", "User fact three garbage", "User fact four valid"}, facts(got))
}

func TestDryRunDoesNotWrite(t *testing.T) {
	s := testStore(t, func(o *Options) { o.DryRun = true })
	added, err := s.Append(context.Background(), "User enjoys hiking in the Alps", rec("", false).Metadata)
	require.NoError(t, err)
	assert.True(t, added)
	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestDedupKeepsNewest(t *testing.T) {
	s := testStore(t)
	a := rec("User plays the cello", false)
	a.Metadata.CreatedAt = FormatTime(testNow.Add(-48 * time.Hour))
	b := rec("user plays the CELLO", false)
	c := rec("User speaks Portuguese", false)
	ctx := context.Background()
	require.NoError(t, s.WriteAll(ctx, []Record{a, b, c}))

	n, err := s.Dedup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := s.ReadAll()
	assert.Equal(t, []string{"user plays the CELLO", "User speaks Portuguese"}, facts(got))
	lines, _ := s.Archive().Lines()
	assert.Equal(t, 1, lines)
}

func TestFailedWriteArchivesNothing(t *testing.T) {
	s := testStore(t, func(o *Options) { o.MaxTotal = 2 })
	ctx := context.Background()
	a := rec("User plays the cello", false)
	a.Metadata.CreatedAt = FormatTime(testNow.Add(-48 * time.Hour))
	require.NoError(t, s.WriteAll(ctx, []Record{a, rec("user plays the CELLO", false)}))

	rename = func(string, string) error { return errors.New("simulated crash") }
	t.Cleanup(func() { rename = os.Rename })

	_, err := s.Dedup(ctx)
	require.Error(t, err)
	_, err = s.Append(ctx, "User speaks Portuguese", rec("", false).Metadata)
	require.Error(t, err)

	lines, err := s.Archive().Lines()
	require.NoError(t, err)
	assert.Equal(t, 0, lines, "records still in the store must not be archived")
	got, _ := s.ReadAll()
	assert.Len(t, got, 2)
}

func TestAppendChecksMetadata(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, imp := range []int{0, 11, 42} {
		md := NewMetadata(CategoryWork, 5, "test", testNow)
		md.Importance = imp
		_, err := s.Append(ctx, fmt.Sprintf("User fact with importance %d", imp), md)
		assert.ErrorIs(t, err, ErrInvalidImportance)
		_, err = s.Update(ctx, "anything", fmt.Sprintf("User fact with importance %d", imp), md)
		assert.ErrorIs(t, err, ErrInvalidImportance)
	}

	md := NewMetadata(CategoryHabit, 6, "test", testNow)
	md.ImportanceNormalized = 0.9
	md.Entities = nil
	added, err := s.Append(ctx, "User enjoys hiking every weekend in the mountains", md)
	require.NoError(t, err)
	require.True(t, added)

	got, err := s.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.6, got[0].Metadata.ImportanceNormalized)
	assert.Equal(t, []string{"habit"}, got[0].Metadata.Entities)
}

func TestPreviewKeepsRunes(t *testing.T) {
	long := strings.Repeat("é", 70)
	p := preview(long)
	assert.True(t, utf8.ValidString(p))
	assert.Equal(t, strings.Repeat("é", 60)+"...", p)
	assert.Equal(t, "short", preview("short"))
}

func TestLockTimeout(t *testing.T) {
	s := testStore(t)
	holder := NewLock(s.opts.LockPath, time.Second)
	unlock, err := holder.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Append(context.Background(), "User is blocked by the lock", rec("", false).Metadata)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	unlock()
	_, err = s.Append(context.Background(), "User is no longer blocked", rec("", false).Metadata)
	assert.NoError(t, err)
}

func TestTryAcquire(t *testing.T) {
	l := NewLock(filepath.Join(t.TempDir(), "run.pid"), time.Second)
	unlock, ok, err := l.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = NewLock(l.Path(), time.Second).TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock2, ok, err := NewLock(l.Path(), time.Second).TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}

func TestArchiveRotate(t *testing.T) {
	a := &Archive{Path: filepath.Join(t.TempDir(), "archive.jsonl"), MaxLines: 3}
	var records []Record
	for i := 0; i < 5; i++ {
		records = append(records, rec(fmt.Sprintf("archived %d", i), false))
	}
	require.NoError(t, a.Append(records, testNow))

	dropped, err := a.Rotate()
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	data, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "archived 2", gjson.Get(lines[0], "fact").String())

	dropped, err = a.Rotate()
	require.NoError(t, err)
	assert.Zero(t, dropped)
}

func TestCleanupTemp(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".hot-memories.jsonl.123.tmp")
	fresh := filepath.Join(dir, ".hot-memories.jsonl.456.tmp")
	other := filepath.Join(dir, "notes.tmp")
	for _, p := range []string{stale, fresh, other} {
		require.NoError(t, os.WriteFile(p, nil, 0o600))
	}
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	assert.Equal(t, 1, OrphanedTemp(dir, 10*time.Minute, time.Now()))
	n, err := CleanupTemp(dir, 10*time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}
