// Package schedule runs the periodic maintenance jobs inside `hotmem serve`.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/engine"
	"github.com/lazypower/hotmem/internal/health"
	"github.com/lazypower/hotmem/internal/lint"
	"github.com/lazypower/hotmem/internal/notify"
)

// Runner is what the scheduled jobs call into.
type Runner interface {
	Extract(ctx context.Context, force bool) (engine.Result, error)
	CheckHealth(ctx context.Context, fix bool) health.Report
	Lint(ctx context.Context, fix bool) (lint.Report, error)
}

// Scheduler owns the cron entries.
type Scheduler struct {
	cron     *cron.Cron
	runner   Runner
	notifier notify.Notifier
	timeout  time.Duration
}

// New returns a scheduler. Expressions use the standard 5-field format.
// SkipIfStillRunning keeps a slow extraction from overlapping the next one.
func New(runner Runner, n notify.Notifier, timeout time.Duration) *Scheduler {
	if n == nil {
		n = notify.Nop{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		runner:   runner,
		notifier: n,
		timeout:  timeout,
	}
}

// Register adds a job for every non-empty expression in cfg.
func (s *Scheduler) Register(cfg config.ScheduleConfig) error {
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"extract", cfg.Extract, s.extract},
		{"health", cfg.Health, s.health},
		{"lint", cfg.Lint, s.lint},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		name, fn := j.name, j.fn
		_, err := s.cron.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			log.Info().Str("job", name).Msg("scheduled_job_fired")
			fn(ctx)
		})
		if err != nil {
			return fmt.Errorf("registering cron %q for %s: %w", j.spec, name, err)
		}
	}
	return nil
}

func (s *Scheduler) extract(ctx context.Context) {
	res, err := s.runner.Extract(ctx, false)
	if err != nil && !errors.Is(err, engine.ErrAlreadyRunning) {
		log.Error().Err(err).Str("outcome", res.Outcome).Msg("scheduled_extract_failed")
		return
	}
	log.Info().Str("outcome", res.Outcome).Int("added", res.Added).Msg("scheduled_extract_done")
}

// health alerts only on critical reports, like `hotmem health --alert-only`.
func (s *Scheduler) health(ctx context.Context) {
	rep := s.runner.CheckHealth(ctx, false)
	health.Alert(ctx, s.notifier, rep)
}

func (s *Scheduler) lint(ctx context.Context) {
	rep, err := s.runner.Lint(ctx, false)
	if err != nil {
		log.Error().Err(err).Msg("scheduled_lint_failed")
		return
	}
	log.Info().Int("issues", rep.Summary.TotalIssues).Str("overall", rep.Summary.Overall).Msg("scheduled_lint_done")
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
