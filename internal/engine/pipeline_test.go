package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/lint"
	"github.com/lazypower/hotmem/internal/llm"
	"github.com/lazypower/hotmem/internal/state"
	"github.com/lazypower/hotmem/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSearch struct {
	activity    string
	activityErr error
	evidence    []string
	searchErr   error
	queries     []string
}

func (f *fakeSearch) Search(_ context.Context, text string, _ []string, _ int) ([]string, error) {
	f.queries = append(f.queries, text)
	return f.evidence, f.searchErr
}

func (f *fakeSearch) RecentActivity(context.Context, time.Time, int) (string, error) {
	return f.activity, f.activityErr
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
	return nil
}

type harness struct {
	p      *Pipeline
	st     *store.Store
	db     *state.DB
	mock   *llm.MockClient
	search *fakeSearch
	notes  *recordingNotifier
}

func newHarness(t *testing.T, responses []string, mods ...func(*harness)) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Home = dir
	settings := SettingsFromConfig(&cfg)
	settings.PidPath = filepath.Join(dir, ".extractor.pid")
	settings.MinFreeDiskMB = 0

	db, err := state.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		st: store.New(store.Options{
			Path:        filepath.Join(dir, "hot-memories.jsonl"),
			LockTimeout: time.Second,
			Now:         func() time.Time { return testNow },
		}),
		db:     db,
		mock:   &llm.MockClient{Responses: responses, Err: errors.New("unexpected llm call")},
		search: &fakeSearch{activity: "user: I just adopted a dog named Biscuit"},
		notes:  &recordingNotifier{},
	}
	h.p = New(h.st, h.mock, h.search, db, h.notes, settings)
	for _, m := range mods {
		m(h)
	}
	return h
}

func (h *harness) seed(t *testing.T, fact string, created time.Time) {
	t.Helper()
	md := store.NewMetadata(store.CategoryGeneral, 6, "test", created)
	_, err := h.st.Append(context.Background(), fact, md)
	require.NoError(t, err)
}

func (h *harness) valid(t *testing.T) []string {
	t.Helper()
	records, err := h.st.ReadAll()
	require.NoError(t, err)
	return validFacts(records)
}

const twoFacts = `{"facts": [
  {"fact": "User adopted a golden retriever named Biscuit", "category": "event", "importance": 7, "entities": ["Biscuit"], "temporal": "2026-03-01"},
  {"fact": "User said hello to the assistant today", "category": "event", "importance": 2, "entities": []}
]}`

func TestRunAddsWithoutReconcileCallWhenNoEvidence(t *testing.T) {
	h := newHarness(t, []string{twoFacts})

	res, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	assert.Equal(t, 2, res.Extracted)
	assert.Equal(t, 1, res.Important)
	assert.Equal(t, 1, res.Added)
	assert.True(t, res.Advanced)
	assert.Len(t, h.mock.Calls, 1, "no reconcile call without evidence")

	records, err := h.st.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	md := records[0].Metadata
	assert.Equal(t, 1.0, md.DecayStrength)
	assert.Equal(t, 0, md.AccessCount)
	assert.Equal(t, "2026-03-01", md.TValid)
	assert.Nil(t, md.TInvalid)
	assert.Equal(t, store.LayerLongTerm, md.DecayLayer)
	assert.Equal(t, SourceExtractor, md.Source)

	marker, ok, err := h.db.Marker()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, marker.Equal(testNow))

	runs, err := h.db.RecentRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, 1, runs[0].Added)
}

func TestExtractionPromptCarriesMarkerAndKnownFacts(t *testing.T) {
	h := newHarness(t, []string{`{"facts": []}`})
	h.seed(t, "User works at Initech as an engineer", testNow.Add(-48*time.Hour))
	require.NoError(t, h.db.SetMarker(testNow.Add(-10*time.Minute)))

	_, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)

	require.Len(t, h.mock.Calls, 1)
	msg := h.mock.Calls[0].Messages[0].Content
	assert.Contains(t, msg, "AFTER 2026-03-01T11:50:00Z")
	assert.Contains(t, msg, "- User works at Initech as an engineer")
	assert.Contains(t, msg, "adopted a dog named Biscuit")
	assert.Equal(t, 2048, h.mock.Calls[0].MaxTokens)
}

func TestFailClosedOnUnparsableReconcile(t *testing.T) {
	h := newHarness(t, []string{twoFacts, "I think you should add it"}, func(h *harness) {
		h.p.Settings.AlwaysReconcile = true
	})

	res, err := h.p.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrMarkerHeld)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 0, res.Added)
	assert.False(t, res.Advanced)
	assert.Empty(t, h.valid(t), "unconfirmed candidate must not be written")

	_, ok, err := h.db.Marker()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailClosedOnUnknownOperation(t *testing.T) {
	h := newHarness(t, []string{
		`{"facts":[{"fact":"User switched from green tea to black coffee recently","category":"preference","importance":6}]}`,
		`{"operation":"MERGE","reason":"?"}`,
	})
	h.seed(t, "User drinks green tea every morning at home", testNow.Add(-48*time.Hour))

	res, err := h.p.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrMarkerHeld)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, []string{"User drinks green tea every morning at home"}, h.valid(t))
}

func TestFailClosedOnReconcileCallError(t *testing.T) {
	h := newHarness(t, []string{twoFacts, ""}, func(h *harness) {
		h.search.evidence = []string{"User has a cat named Whiskers"}
	})

	res, err := h.p.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrMarkerHeld)
	assert.Equal(t, 1, res.Errors)
	assert.Empty(t, h.valid(t))
}

func TestReconcileUpdate(t *testing.T) {
	h := newHarness(t, []string{
		`{"facts":[{"fact":"User switched from green tea to black coffee recently","category":"preference","importance":6}]}`,
		`{"operation":"UPDATE","reason":"preference changed","updated_fact":"User now drinks black coffee instead of green tea","update_target":"drinks green tea"}`,
	})
	h.seed(t, "User drinks green tea every morning at home", testNow.Add(-48*time.Hour))

	res, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []string{"User now drinks black coffee instead of green tea"}, h.valid(t))

	// the reconcile call saw the hot-store evidence
	require.Len(t, h.mock.Calls, 2)
	assert.Contains(t, h.mock.Calls[1].Messages[0].Content, "- User drinks green tea every morning at home")
	assert.Equal(t, 256, h.mock.Calls[1].MaxTokens)
}

func TestReconcileDeleteWithoutTargetIsSoft(t *testing.T) {
	h := newHarness(t, []string{twoFacts, `{"operation":"DELETE","reason":"contradiction"}`}, func(h *harness) {
		h.search.evidence = []string{"User has no pets"}
	})

	res, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SoftFailures)
	assert.Equal(t, 0, res.Errors)
	assert.True(t, res.Advanced)
}

func TestReconcileDeleteInvalidatesTarget(t *testing.T) {
	h := newHarness(t, []string{
		`{"facts":[{"fact":"User no longer lives in Portland Oregon","category":"location","importance":7}]}`,
		`{"operation":"DELETE","reason":"moved","delete_target":"lives in Portland"}`,
	})
	h.seed(t, "User lives in Portland with two roommates", testNow.Add(-48*time.Hour))

	res, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Empty(t, h.valid(t))
}

func TestRateLimitTruncation(t *testing.T) {
	h := newHarness(t, []string{`{"facts":[
		{"fact":"User bought a red bicycle for commuting","category":"event","importance":6},
		{"fact":"Marta is the user's new project manager","category":"person","importance":7},
		{"fact":"User plans a trip to Lisbon in April","category":"plan","importance":6}
	]}`})
	for i, f := range []string{
		"Alpha record about gardening hobbies",
		"Bravo record regarding piano lessons",
		"Charlie record covering marathon training",
		"Delta record describing sourdough baking",
	} {
		h.seed(t, f, testNow.Add(-time.Duration(10+i)*time.Minute))
	}

	res, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Validated)
	assert.Equal(t, 2, res.Deferred)
	assert.Equal(t, 1, res.Added)
	assert.Len(t, h.valid(t), 5)
}

func TestValidationRejections(t *testing.T) {
	h := newHarness(t, []string{`{"facts":[
		{"fact":"Too short","importance":8},
		{"fact":"Does the user prefer mornings or evenings?","importance":8},
		{"fact":"User works at Initech as a senior engineer","importance":8}
	]}`})
	h.seed(t, "User works at Initech as an engineer", testNow.Add(-48*time.Hour))

	res, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Validated)
	require.Len(t, res.Rejections, 3)
	assert.Contains(t, res.Rejections[0].Reason, "too short")
	assert.Contains(t, res.Rejections[1].Reason, "question")
	assert.Contains(t, res.Rejections[2].Reason, "too similar")
	assert.True(t, res.Advanced)
}

func TestBadImportanceRejected(t *testing.T) {
	h := newHarness(t, []string{`{"facts":[
		{"fact":"User moved to Lisbon for a new job at Acme","category":"location","importance":42},
		{"fact":"User adopted a golden retriever named Biscuit","category":"event","importance":7.9}
	]}`})

	res, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	require.Len(t, res.Rejections, 2)
	assert.Contains(t, res.Rejections[0].Reason, "outside 1-10")
	assert.Contains(t, res.Rejections[1].Reason, "not a whole number")
	assert.Empty(t, h.valid(t))
}

func TestRunRecordsPassLint(t *testing.T) {
	h := newHarness(t, []string{`{"facts":[
		{"fact":"User adopted a golden retriever named Biscuit","category":"event","importance":7,"entities":["Biscuit"]},
		{"fact":"User enjoys hiking every weekend in the mountains","category":"habit","importance":6,"entities":[]}
	]}`})

	res, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Added)

	records, err := h.st.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.NotEmpty(t, r.Metadata.Entities, r.Fact)
		assert.Equal(t, store.NormalizeImportance(r.Metadata.Importance), r.Metadata.ImportanceNormalized, r.Fact)
	}

	cfg := config.Default()
	rep := lint.New(&cfg).Check(records)
	assert.Zero(t, rep.Checks[lint.CheckMetadataCompleteness].IssueCount, "%v", rep.Issues)
	assert.Zero(t, rep.Checks[lint.CheckImportanceSanity].IssueCount, "%v", rep.Issues)
}

func TestExtractionFailureHoldsMarker(t *testing.T) {
	h := newHarness(t, []string{"no json here"})

	res, err := h.p.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrMarkerHeld)
	assert.Equal(t, StageExtractCandidates, res.Stage)
	assert.Equal(t, OutcomeHeld, res.Outcome)

	failures, err := h.db.Failures()
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, Component, failures[0].Component)
}

func TestActivityFailureHoldsMarker(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) {
		h.search.activityErr = errors.New("capsule binary not found")
	})

	res, err := h.p.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrMarkerHeld)
	assert.Equal(t, StageQueryActivity, res.Stage)
	assert.Empty(t, h.mock.Calls)
}

func TestEmptyActivityAdvances(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) { h.search.activity = "" })

	res, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Empty(t, h.mock.Calls)
}

func TestMinIntervalGuard(t *testing.T) {
	h := newHarness(t, []string{`{"facts": []}`})
	require.NoError(t, h.db.SetMarker(testNow.Add(-time.Minute)))

	res, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Empty(t, h.mock.Calls)

	res, err = h.p.Run(context.Background(), Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	// forced runs do not restrict extraction to after the marker
	assert.NotContains(t, h.mock.Calls[0].Messages[0].Content, "IMPORTANT")
}

func TestInstanceLock(t *testing.T) {
	h := newHarness(t, []string{`{"facts": []}`})
	unlock, ok, err := store.NewLock(h.p.Settings.PidPath, 0).TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	_, err = h.p.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, h.mock.Calls)

	res, err := h.p.Run(context.Background(), Options{Force: true})
	require.NoError(t, err)
	assert.True(t, res.Advanced)
}

func TestLowDiskSkipsRun(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) {
		h.p.Settings.MinFreeDiskMB = 100
		h.p.freeSpace = func(string) (uint64, error) { return 10 << 20, nil }
	})

	_, err := h.p.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrLowDisk)
	assert.Empty(t, h.mock.Calls)

	failures, err := h.db.Failures()
	require.NoError(t, err)
	require.Len(t, failures, 1)
}

func TestDryRunWritesNothing(t *testing.T) {
	h := newHarness(t, []string{twoFacts})
	h.st = store.New(store.Options{
		Path:   h.st.Path(),
		DryRun: true,
		Now:    func() time.Time { return testNow },
	})
	h.p.Store = h.st

	res, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, res.Outcome)
	assert.Equal(t, 1, res.Added)
	assert.Empty(t, h.valid(t))

	_, ok, err := h.db.Marker()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailureAlertAndRecovery(t *testing.T) {
	h := newHarness(t, []string{"bad", "bad", "bad", `{"facts": []}`})

	for i := 0; i < 3; i++ {
		_, err := h.p.Run(context.Background(), Options{})
		require.ErrorIs(t, err, ErrMarkerHeld)
	}
	require.Len(t, h.notes.msgs, 1)
	assert.True(t, strings.HasPrefix(h.notes.msgs[0], "[ALERT] extractor has failed 3"))

	_, err := h.p.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, h.notes.msgs, 2)
	assert.Contains(t, h.notes.msgs[1], "[RECOVERED]")
}

func TestHousekeepingPrunesOldInvalidated(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) { h.search.activity = "" })
	h.seed(t, "User used to live in Boston for years", testNow.Add(-96*time.Hour))
	h.p.Store = store.New(store.Options{
		Path: h.st.Path(),
		Now:  func() time.Time { return testNow.Add(-72 * time.Hour) },
	})
	_, err := h.p.Store.Invalidate(context.Background(), "boston")
	require.NoError(t, err)
	h.p.Store = h.st

	_, err = h.p.Run(context.Background(), Options{})
	require.NoError(t, err)

	records, err := h.st.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "query_activity", StageQueryActivity.String())
	assert.Equal(t, "advance_marker", StageAdvanceMarker.String())
	assert.Equal(t, "stage(42)", Stage(42).String())
}
