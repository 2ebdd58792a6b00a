package schedule

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/engine"
	"github.com/lazypower/hotmem/internal/health"
	"github.com/lazypower/hotmem/internal/lint"
)

type mockRunner struct {
	calls  []string
	report health.Report
	err    error
}

func (m *mockRunner) Extract(context.Context, bool) (engine.Result, error) {
	m.calls = append(m.calls, "extract")
	return engine.Result{Outcome: engine.OutcomeHeld}, m.err
}

func (m *mockRunner) CheckHealth(context.Context, bool) health.Report {
	m.calls = append(m.calls, "health")
	return m.report
}

func (m *mockRunner) Lint(context.Context, bool) (lint.Report, error) {
	m.calls = append(m.calls, "lint")
	return lint.Report{}, m.err
}

type recordingNotifier struct{ msgs []string }

func (r *recordingNotifier) Notify(_ context.Context, text string) error {
	r.msgs = append(r.msgs, text)
	return nil
}

func TestRegisterDefaults(t *testing.T) {
	s := New(&mockRunner{}, nil, 0)
	require.NoError(t, s.Register(config.Default().Schedule))
	assert.Equal(t, 2, s.Entries(), "lint has no default schedule")
}

func TestRegisterSkipsEmpty(t *testing.T) {
	s := New(&mockRunner{}, nil, 0)
	require.NoError(t, s.Register(config.ScheduleConfig{}))
	assert.Equal(t, 0, s.Entries())
}

func TestRegisterInvalidCron(t *testing.T) {
	s := New(&mockRunner{}, nil, 0)
	err := s.Register(config.ScheduleConfig{Extract: "not a valid cron"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "extract")
}

func TestHealthJobAlertsOnCritical(t *testing.T) {
	n := &recordingNotifier{}
	r := &mockRunner{report: health.Report{
		Overall: health.Critical,
		Checks:  []health.Check{{Name: "disk_space", Status: health.StatusCritical, Message: "Disk critically low: 50MB free"}},
	}}
	s := New(r, n, 0)
	s.health(context.Background())
	require.Len(t, n.msgs, 1)
	assert.Contains(t, n.msgs[0], "disk_space")

	r.report.Overall = health.Degraded
	s.health(context.Background())
	assert.Len(t, n.msgs, 1)
}

func TestJobsCallRunner(t *testing.T) {
	r := &mockRunner{err: errors.New("boom")}
	s := New(r, nil, 0)
	s.extract(context.Background())
	s.lint(context.Background())
	assert.Equal(t, []string{"extract", "lint"}, r.calls)
}

func TestStartStop(t *testing.T) {
	s := New(&mockRunner{}, nil, 0)
	s.Start()
	s.Stop()
}
