package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/llm"
	"github.com/lazypower/hotmem/internal/notify"
	"github.com/lazypower/hotmem/internal/search"
	"github.com/lazypower/hotmem/internal/state"
	"github.com/lazypower/hotmem/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Component is the failure-tracking name of the pipeline.
const Component = "extractor"

var (
	// ErrAlreadyRunning is returned when another run holds the instance lock.
	ErrAlreadyRunning = errors.New("another extraction run is in progress")
	// ErrLowDisk is returned when free space is under the configured floor.
	ErrLowDisk = errors.New("disk space critically low")
	// ErrMarkerHeld is returned when a run finished with errors and the
	// marker was left where it was.
	ErrMarkerHeld = errors.New("run had errors, marker not advanced")
)

// Stage is a pipeline state.
type Stage int

const (
	StageQueryActivity Stage = iota
	StageExtractCandidates
	StageFilterByImportance
	StageValidate
	StageRateLimit
	StageReconcile
	StageAdvanceMarker
)

var stageNames = [...]string{
	"query_activity",
	"extract_candidates",
	"filter_by_importance",
	"validate",
	"rate_limit",
	"reconcile",
	"advance_marker",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Run outcomes.
const (
	OutcomeAdvanced = "advanced"
	OutcomeHeld     = "held"
	OutcomeSkipped  = "skipped"
	OutcomeDryRun   = "dry_run"
)

// Settings tune the pipeline.
type Settings struct {
	OwnerName           string
	ImportanceThreshold int
	MaxAdditionsPerHour int
	MinInterval         time.Duration
	MaxActivityChars    int
	KnownFactsChars     int
	MaxEvidence         int
	EvidenceLimit       int
	EvidenceThreshold   float64
	MemoryCollection    string
	AlwaysReconcile     bool
	Validator           Validator
	LTMThreshold        float64
	ExtractMaxTokens    int
	ReconcileMaxTokens  int
	PruneInvalidated    time.Duration
	TempMaxAge          time.Duration
	MinFreeDiskMB       int
	AlertThreshold      int
	Timeout             time.Duration
	PidPath             string
}

// SettingsFromConfig maps configuration onto Settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	pc := cfg.Pipeline
	return Settings{
		OwnerName:           cfg.OwnerName,
		ImportanceThreshold: pc.HotPathThreshold,
		MaxAdditionsPerHour: pc.MaxAdditionsPerHour,
		MinInterval:         time.Duration(pc.MinIntervalMinutes) * time.Minute,
		MaxActivityChars:    pc.MaxActivityChars,
		KnownFactsChars:     pc.KnownFactsChars,
		MaxEvidence:         pc.MaxEvidence,
		EvidenceLimit:       cfg.Search.EvidenceLimit,
		EvidenceThreshold:   cfg.Thresholds.Evidence,
		MemoryCollection:    cfg.Search.MemoryCollection,
		AlwaysReconcile:     pc.AlwaysReconcile,
		Validator:           Validator{MinChars: pc.MinFactChars, Threshold: cfg.Thresholds.Validate},
		LTMThreshold:        cfg.Decay.LTMThreshold,
		ExtractMaxTokens:    cfg.LLM.MaxTokens,
		ReconcileMaxTokens:  256,
		PruneInvalidated:    time.Duration(pc.PruneInvalidatedHours) * time.Hour,
		TempMaxAge:          time.Duration(cfg.Store.TempMaxAgeMinutes) * time.Minute,
		MinFreeDiskMB:       pc.MinFreeDiskMB,
		AlertThreshold:      pc.FailureAlertThreshold,
		Timeout:             time.Duration(pc.TimeoutSeconds) * time.Second,
		PidPath:             cfg.PidPath(),
	}
}

// Pipeline turns recent activity into store mutations.
type Pipeline struct {
	Store    *store.Store
	LLM      llm.Client
	Search   search.Searcher
	Ledger   Ledger
	Notifier notify.Notifier
	Settings Settings

	freeSpace func(dir string) (uint64, error)
}

// New returns a Pipeline.
func New(st *store.Store, client llm.Client, searcher search.Searcher, ledger Ledger, n notify.Notifier, s Settings) *Pipeline {
	if n == nil {
		n = notify.Nop{}
	}
	return &Pipeline{
		Store:     st,
		LLM:       client,
		Search:    searcher,
		Ledger:    ledger,
		Notifier:  n,
		Settings:  s,
		freeSpace: store.FreeSpace,
	}
}

// Options are per-run flags.
type Options struct {
	Force bool // skip the instance lock and minimum-interval guards
}

// Rejected is a candidate dropped by validation.
type Rejected struct {
	Fact   string `json:"fact"`
	Reason string `json:"reason"`
}

// Result summarizes one run.
type Result struct {
	RunID        string     `json:"run_id,omitempty"`
	Stage        Stage      `json:"-"`
	StageName    string     `json:"stage"`
	Outcome      string     `json:"outcome"`
	Extracted    int        `json:"extracted"`
	Important    int        `json:"important"`
	Validated    int        `json:"validated"`
	Deferred     int        `json:"deferred"`
	Added        int        `json:"added"`
	Updated      int        `json:"updated"`
	Deleted      int        `json:"deleted"`
	Noop         int        `json:"noop"`
	Errors       int        `json:"errors"`
	SoftFailures int        `json:"soft_failures"`
	Rejections   []Rejected `json:"rejections,omitempty"`
	Advanced     bool       `json:"advanced"`
}

// run is the working state threaded through the stages.
type run struct {
	Result
	now        time.Time
	marker     time.Time
	hasMarker  bool
	force      bool
	activity   string
	candidates []Candidate
	err        error
}

// fail counts a hard error and jumps to the marker decision.
func (r *run) fail(err error) Stage {
	r.Errors++
	if r.err == nil {
		r.err = err
	}
	log.Error().Err(err).Str("stage", r.Stage.String()).Msg("stage_failed")
	return StageAdvanceMarker
}

// Run executes one pass. Guard skips return a Result with OutcomeSkipped
// and no error. A run that ends with errors returns ErrMarkerHeld.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Result, error) {
	if p.Settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Settings.Timeout)
		defer cancel()
	}

	unlock, err := p.instanceLock(opts.Force)
	if err != nil {
		return Result{Outcome: OutcomeSkipped}, err
	}
	defer unlock()

	r := &run{now: p.Store.Now(), force: opts.Force}
	r.marker, r.hasMarker, err = p.Ledger.Marker()
	if err != nil {
		return Result{}, fmt.Errorf("read marker: %w", err)
	}

	p.housekeeping(ctx, r.now)
	if err := p.checkDisk(); err != nil {
		if !p.Store.DryRun() {
			p.tracker().Failure(ctx, Component, err, r.now)
		}
		return Result{Outcome: OutcomeSkipped}, err
	}

	if !opts.Force && r.hasMarker && r.now.Sub(r.marker) < p.Settings.MinInterval {
		log.Info().Dur("since_marker", r.now.Sub(r.marker)).Msg("skipping_min_interval")
		return Result{Outcome: OutcomeSkipped}, nil
	}

	r.RunID = ulid.Make().String()
	log.Info().Str("run_id", r.RunID).Bool("dry_run", p.Store.DryRun()).Msg("extraction_started")

	stage := StageQueryActivity
	for stage != StageAdvanceMarker {
		if err := ctx.Err(); err != nil {
			r.Stage = stage
			stage = r.fail(err)
			break
		}
		r.Stage = stage
		stage = p.transition(ctx, r, stage)
	}
	return p.finish(ctx, r)
}

// transition runs stage and returns the next one.
func (p *Pipeline) transition(ctx context.Context, r *run, s Stage) Stage {
	switch s {
	case StageQueryActivity:
		return p.queryActivity(ctx, r)
	case StageExtractCandidates:
		return p.extractCandidates(ctx, r)
	case StageFilterByImportance:
		return p.filterByImportance(r)
	case StageValidate:
		return p.validate(r)
	case StageRateLimit:
		return p.rateLimit(r)
	case StageReconcile:
		return p.reconcile(ctx, r)
	}
	return StageAdvanceMarker
}

func (p *Pipeline) queryActivity(ctx context.Context, r *run) Stage {
	activity, err := p.Search.RecentActivity(ctx, r.now.Local(), p.Settings.MaxActivityChars)
	if err != nil {
		return r.fail(fmt.Errorf("query activity: %w", err))
	}
	if activity == "" {
		log.Info().Msg("no_recent_activity")
		return StageAdvanceMarker
	}
	r.activity = activity
	return StageExtractCandidates
}

func (p *Pipeline) extractCandidates(ctx context.Context, r *run) Stage {
	records, err := p.Store.ReadAll()
	if err != nil {
		return r.fail(fmt.Errorf("read store: %w", err))
	}
	note := ""
	if r.hasMarker && !r.force {
		note = store.FormatTime(r.marker)
	}
	req := llm.UserRequest(
		llm.ExtractSystem(p.Settings.OwnerName, p.Settings.ImportanceThreshold),
		llm.ExtractMessage(r.activity, note, knownFacts(records, p.Settings.KnownFactsChars)),
		p.Settings.ExtractMaxTokens,
	)
	resp, err := p.LLM.Complete(ctx, req)
	if err != nil {
		return r.fail(fmt.Errorf("extraction call: %w", err))
	}
	candidates, err := parseCandidates(resp.Content)
	if err != nil {
		log.Error().Str("raw", truncate(resp.Content, 300)).Msg("extraction_unparsable")
		return r.fail(fmt.Errorf("extraction response: %w", err))
	}
	r.Extracted = len(candidates)
	log.Info().Int("candidates", len(candidates)).Msg("extracted")
	if len(candidates) == 0 {
		return StageAdvanceMarker
	}
	r.candidates = candidates
	return StageFilterByImportance
}

func (p *Pipeline) filterByImportance(r *run) Stage {
	kept := r.candidates[:0:0]
	for _, c := range r.candidates {
		// malformed importance goes on so validation records the rejection
		if c.badImportance != "" || c.Importance >= p.Settings.ImportanceThreshold {
			kept = append(kept, c)
		}
	}
	r.candidates = kept
	r.Important = len(kept)
	log.Info().Int("total", r.Extracted).Int("kept", len(kept)).Int("threshold", p.Settings.ImportanceThreshold).Msg("importance_filter")
	if len(kept) == 0 {
		return StageAdvanceMarker
	}
	return StageValidate
}

func (p *Pipeline) validate(r *run) Stage {
	records, err := p.Store.ReadAll()
	if err != nil {
		return r.fail(fmt.Errorf("read store: %w", err))
	}
	existing := validFacts(records)
	kept := r.candidates[:0:0]
	for _, c := range r.candidates {
		vc, rej := p.Settings.Validator.Check(c, existing)
		if rej.Rejected() {
			log.Info().Str("fact", truncate(c.Fact, 60)).Str("reason", rej.Reason).Msg("rejected")
			r.Rejections = append(r.Rejections, Rejected{Fact: c.Fact, Reason: rej.Reason})
			continue
		}
		kept = append(kept, vc)
	}
	r.candidates = kept
	r.Validated = len(kept)
	if len(kept) == 0 {
		return StageAdvanceMarker
	}
	return StageRateLimit
}

func (p *Pipeline) rateLimit(r *run) Stage {
	records, err := p.Store.ReadAll()
	if err != nil {
		return r.fail(fmt.Errorf("read store: %w", err))
	}
	recent := recentAdditions(records, r.now.Add(-time.Hour))
	budget := max(0, p.Settings.MaxAdditionsPerHour-recent)
	if len(r.candidates) > budget {
		r.Deferred = len(r.candidates) - budget
		r.candidates = r.candidates[:budget]
		log.Info().Int("recent", recent).Int("budget", budget).Int("deferred", r.Deferred).Msg("rate_limited")
	}
	if len(r.candidates) == 0 {
		return StageAdvanceMarker
	}
	return StageReconcile
}

func (p *Pipeline) reconcile(ctx context.Context, r *run) Stage {
	for _, c := range r.candidates {
		d, err := p.decide(ctx, c)
		if err == nil {
			err = p.apply(ctx, r, c, d)
		}
		if err != nil {
			// Fail closed: the candidate is dropped and holds the marker.
			r.Errors++
			if r.err == nil {
				r.err = err
			}
			log.Warn().Err(err).Str("fact", truncate(c.Fact, 60)).Msg("candidate_failed")
		}
	}
	return StageAdvanceMarker
}

// shouldAdvance is the single marker decision.
func (p *Pipeline) shouldAdvance(r *run) bool {
	return r.Errors == 0 && !p.Store.DryRun()
}

func (p *Pipeline) finish(ctx context.Context, r *run) (Result, error) {
	r.StageName = r.Stage.String()
	log.Info().
		Int("added", r.Added).Int("updated", r.Updated).Int("deleted", r.Deleted).
		Int("noop", r.Noop).Int("deferred", r.Deferred).Int("errors", r.Errors).
		Msg("extraction_complete")

	if p.Store.DryRun() {
		r.Outcome = OutcomeDryRun
		return r.Result, nil
	}

	finished := p.Store.Now()
	if p.shouldAdvance(r) {
		if err := p.Ledger.SetMarker(finished); err != nil {
			return r.Result, err
		}
		r.Advanced = true
		r.Outcome = OutcomeAdvanced
		p.tracker().Success(ctx, Component, finished)
	} else {
		r.Outcome = OutcomeHeld
		p.tracker().Failure(ctx, Component, r.err, finished)
	}

	if err := p.Ledger.SaveRun(state.Run{
		ID:         r.RunID,
		StartedAt:  r.now,
		FinishedAt: finished,
		Stage:      r.StageName,
		Outcome:    r.Outcome,
		Extracted:  r.Extracted,
		Validated:  r.Validated,
		Added:      r.Added,
		Updated:    r.Updated,
		Deleted:    r.Deleted,
		Noop:       r.Noop,
		Deferred:   r.Deferred,
		Errors:     r.Errors,
		Advanced:   r.Advanced,
	}); err != nil {
		log.Warn().Err(err).Msg("save_run_failed")
	}

	if !r.Advanced {
		return r.Result, fmt.Errorf("%w: %v", ErrMarkerHeld, r.err)
	}
	return r.Result, nil
}

func (p *Pipeline) tracker() Tracker {
	return Tracker{Ledger: p.Ledger, Notifier: p.Notifier, Threshold: p.Settings.AlertThreshold}
}

// instanceLock takes the non-blocking pid-file lock. With force a held lock
// is logged and ignored.
func (p *Pipeline) instanceLock(force bool) (func(), error) {
	if p.Settings.PidPath == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(p.Settings.PidPath), 0o755); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	unlock, ok, err := store.NewLock(p.Settings.PidPath, 0).TryAcquire()
	if err != nil {
		return nil, err
	}
	if !ok {
		if force {
			log.Warn().Msg("instance_lock_bypassed")
			return func() {}, nil
		}
		log.Info().Msg("another_instance_running")
		return nil, ErrAlreadyRunning
	}
	return unlock, nil
}

// housekeeping runs the best-effort cleanup that precedes every run.
func (p *Pipeline) housekeeping(ctx context.Context, now time.Time) {
	if !p.Store.DryRun() {
		if _, err := store.CleanupTemp(p.Store.Dir(), p.Settings.TempMaxAge, now); err != nil {
			log.Warn().Err(err).Msg("temp_cleanup_failed")
		}
		if _, err := p.Store.Archive().Rotate(); err != nil {
			log.Warn().Err(err).Msg("archive_rotate_failed")
		}
	}
	if p.Settings.PruneInvalidated > 0 {
		if _, err := p.Store.Prune(ctx, p.Settings.PruneInvalidated); err != nil {
			log.Warn().Err(err).Msg("prune_failed")
		}
	}
}

func (p *Pipeline) checkDisk() error {
	if p.Settings.MinFreeDiskMB <= 0 || p.freeSpace == nil {
		return nil
	}
	free, err := p.freeSpace(p.Store.Dir())
	if err != nil {
		log.Warn().Err(err).Msg("disk_check_failed")
		return nil
	}
	if mb := free / (1 << 20); mb < uint64(p.Settings.MinFreeDiskMB) {
		return fmt.Errorf("%w: %d MB free", ErrLowDisk, mb)
	}
	return nil
}
