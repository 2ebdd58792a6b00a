package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/lazypower/hotmem/internal/notify"
	"github.com/lazypower/hotmem/internal/state"
	"github.com/rs/zerolog/log"
)

// Ledger is the durable run state the pipeline depends on.
type Ledger interface {
	Marker() (time.Time, bool, error)
	SetMarker(t time.Time) error
	RecordFailure(component, errText string, now time.Time) (int, error)
	RecordSuccess(component string, now time.Time) (int, error)
	SaveRun(r state.Run) error
}

// Tracker counts consecutive failures per component and alerts when a
// streak reaches Threshold, and again when it clears.
type Tracker struct {
	Ledger    Ledger
	Notifier  notify.Notifier
	Threshold int
}

// Failure records one failure. Ledger errors are logged.
func (t Tracker) Failure(ctx context.Context, component string, cause error, now time.Time) {
	msg := cause.Error()
	count, err := t.Ledger.RecordFailure(component, msg, now)
	if err != nil {
		log.Error().Err(err).Str("component", component).Msg("record_failure_failed")
		return
	}
	log.Warn().Str("component", component).Int("consecutive", count).Err(cause).Msg("failure_recorded")
	if t.Threshold > 0 && count == t.Threshold {
		notify.Send(ctx, t.Notifier, fmt.Sprintf("[ALERT] %s has failed %d consecutive times.\nLast error: %s",
			component, count, truncate(msg, 100)))
	}
}

// Success clears the component's streak.
func (t Tracker) Success(ctx context.Context, component string, now time.Time) {
	prev, err := t.Ledger.RecordSuccess(component, now)
	if err != nil {
		log.Error().Err(err).Str("component", component).Msg("record_success_failed")
		return
	}
	if t.Threshold > 0 && prev >= t.Threshold {
		notify.Send(ctx, t.Notifier, fmt.Sprintf("[RECOVERED] %s recovered after %d consecutive failures.", component, prev))
	}
}
