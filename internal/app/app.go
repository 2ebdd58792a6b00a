// Package app wires configuration into the components shared by the CLI
// and the HTTP server.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/engine"
	"github.com/lazypower/hotmem/internal/health"
	"github.com/lazypower/hotmem/internal/lint"
	"github.com/lazypower/hotmem/internal/llm"
	"github.com/lazypower/hotmem/internal/notify"
	"github.com/lazypower/hotmem/internal/search"
	"github.com/lazypower/hotmem/internal/state"
	"github.com/lazypower/hotmem/internal/store"
	"github.com/rs/zerolog/log"
)

// App holds the long-lived components for one process.
type App struct {
	Config   *config.Config
	Store    *store.Store
	State    *state.DB
	Capsule  *search.Capsule
	Notifier notify.Notifier
	Decay    engine.DecayParams
	Scorer   engine.Scorer
	Linter   lint.Linter
	Health   *health.Checker

	// NewClient builds the reasoning client on first use.
	NewClient func(config.LLMConfig) (llm.Client, error)

	mu       sync.Mutex
	pipeline *engine.Pipeline
}

// StoreOptions maps configuration onto store options.
func StoreOptions(cfg *config.Config, dryRun bool) store.Options {
	sc := cfg.Store
	return store.Options{
		Path:            cfg.StorePath(),
		ArchivePath:     cfg.ArchivePath(),
		LockPath:        cfg.LockPath(),
		MaxTotal:        sc.MaxTotal,
		MaxPinned:       sc.MaxPinned,
		MaxArchiveLines: sc.MaxArchiveLines,
		MaxFileBytes:    int64(sc.MaxFileMB) << 20,
		MaxArchiveBytes: int64(sc.MaxArchiveMB) << 20,
		LockTimeout:     time.Duration(sc.LockTimeoutSeconds) * time.Second,
		DryRun:          dryRun,
	}
}

// Open validates cfg and opens the store and state database.
func Open(cfg *config.Config, dryRun bool) (*App, error) {
	if err := cfg.Validate(false); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StatePath()), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := state.Open(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	return New(cfg, store.New(StoreOptions(cfg, dryRun)), db), nil
}

// New assembles an App over an open store and state database.
func New(cfg *config.Config, st *store.Store, db *state.DB) *App {
	decay := engine.DecayFromConfig(cfg.Decay)
	capsule := search.NewCapsule(cfg)
	a := &App{
		Config:    cfg,
		Store:     st,
		State:     db,
		Capsule:   capsule,
		Notifier:  notify.New(cfg.Notify),
		Decay:     decay,
		Scorer:    engine.Scorer{Decay: decay, Weights: engine.WeightsFromConfig(cfg.Scoring)},
		Linter:    lint.New(cfg),
		NewClient: llm.NewClient,
	}
	a.Health = health.New(st, db, capsule, health.EndpointFor(cfg.LLM), health.ThresholdsFromConfig(cfg))
	return a
}

// Close releases the state database.
func (a *App) Close() error {
	if a.State == nil {
		return nil
	}
	return a.State.Close()
}

// Pipeline returns the extraction pipeline, building the reasoning client
// on first call. It fails when the reasoning service is not configured.
func (a *App) Pipeline() (*engine.Pipeline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pipeline != nil {
		return a.pipeline, nil
	}
	if err := a.Config.Validate(true); err != nil {
		return nil, err
	}
	client, err := a.NewClient(a.Config.LLM)
	if err != nil {
		return nil, fmt.Errorf("reasoning client: %w", err)
	}
	a.pipeline = engine.New(a.Store, client, a.Capsule, a.State, a.Notifier, engine.SettingsFromConfig(a.Config))
	return a.pipeline, nil
}

// Extract runs one pipeline pass.
func (a *App) Extract(ctx context.Context, force bool) (engine.Result, error) {
	p, err := a.Pipeline()
	if err != nil {
		return engine.Result{}, err
	}
	return p.Run(ctx, engine.Options{Force: force})
}

// SearchResult merges capsule snippets with ranked hot memories.
type SearchResult struct {
	Query    string         `json:"query"`
	Memories []ScoredMemory `json:"memories"`
	Capsule  []string       `json:"capsule"`
	Warnings []string       `json:"warnings,omitempty"`
}

// ScoredMemory is one ranked record.
type ScoredMemory struct {
	Fact      string           `json:"fact"`
	Category  store.Category   `json:"category"`
	Score     float64          `json:"score"`
	Breakdown engine.Breakdown `json:"breakdown"`
}

// Search ranks hot memories against query and, unless hotOnly, queries the
// capsule collections. Capsule failures become warnings.
func (a *App) Search(ctx context.Context, query string, limit int, hotOnly bool) (SearchResult, error) {
	out := SearchResult{Query: query, Memories: []ScoredMemory{}, Capsule: []string{}}
	records, err := a.Store.ReadAll()
	if err != nil {
		return out, err
	}
	for _, s := range a.Scorer.Rank(records, query, a.Store.Now(), 0) {
		if s.Breakdown.Relevance == 0 {
			continue
		}
		if limit > 0 && len(out.Memories) == limit {
			break
		}
		out.Memories = append(out.Memories, ScoredMemory{
			Fact:      s.Record.Fact,
			Category:  s.Record.Metadata.Category,
			Score:     s.Score,
			Breakdown: s.Breakdown,
		})
	}
	if hotOnly {
		return out, nil
	}
	collections := []string{a.Config.Search.MemoryCollection, a.Config.Search.ActivityCollection}
	snippets, err := a.Capsule.Search(ctx, query, collections, limit)
	if err != nil {
		log.Warn().Err(err).Msg("capsule_unavailable")
		out.Warnings = append(out.Warnings, err.Error())
	}
	out.Capsule = append(out.Capsule, snippets...)
	return out, nil
}

// Lint runs the quality linter.
func (a *App) Lint(ctx context.Context, fix bool) (lint.Report, error) {
	return a.Linter.Lint(ctx, a.Store, fix)
}

// CheckHealth runs the health checks, repairing first when fix is set.
func (a *App) CheckHealth(ctx context.Context, fix bool) health.Report {
	rep := a.Health.Run(ctx)
	if fix {
		rep = a.Health.Fix(ctx, rep)
	}
	return rep
}
