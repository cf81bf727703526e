package loop

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mrcode/aidloop/internal/models"
	"github.com/mrcode/aidloop/internal/safety"
)

// ErrDosingBlocked is returned for manual dosing while an uncertain
// delivery is unresolved. Cancelling a temp basal is always allowed.
var ErrDosingBlocked = errors.New("dosing blocked: uncertain delivery unresolved")

// EnactBolus validates and dispatches a user-requested bolus. The same hard
// limits apply as for automatic dosing.
func (s *Scheduler) EnactBolus(ctx context.Context, units float64) (models.LoopCycleRecord, error) {
	return s.enactManual(ctx, models.CommandBolus, 0, 0, units)
}

// EnactTempBasal validates and dispatches a user-requested temp basal.
func (s *Scheduler) EnactTempBasal(ctx context.Context, rate float64, durationMinutes int) (models.LoopCycleRecord, error) {
	return s.enactManual(ctx, models.CommandSetTempBasal, rate, durationMinutes, 0)
}

// CancelTempBasal cancels any running temp basal on user request.
func (s *Scheduler) CancelTempBasal(ctx context.Context) (models.LoopCycleRecord, error) {
	return s.enactManual(ctx, models.CommandCancelTempBasal, 0, 0, 0)
}

func (s *Scheduler) enactManual(ctx context.Context, kind models.CommandKind, rate float64, durationMinutes int, units float64) (models.LoopCycleRecord, error) {
	// Manual commands share the automatic pipeline's single owner: wait
	// for any running cycle to finish, then hold the phase until the
	// record is written so no cycle can dispatch alongside.
	s.mu.Lock()
	for s.phase != PhaseIdle {
		s.idle.Wait()
	}
	s.phase = PhaseValidating
	s.mu.Unlock()

	if kind != models.CommandCancelTempBasal && s.recovery != nil && s.recovery.Blocked() {
		s.mu.Lock()
		s.phase = PhaseIdle
		s.idle.Broadcast()
		s.mu.Unlock()
		return models.LoopCycleRecord{}, ErrDosingBlocked
	}

	started := s.now()
	rec := models.LoopCycleRecord{
		CycleID:   uuid.NewString(),
		StartedAt: started,
		Trigger:   TriggerManual,
	}
	defer func() {
		rec.FinishedAt = s.now()
		s.record(ctx, rec)
	}()

	snap := s.profiles.Snapshot()

	var currentIOB float64
	if inputs, err := s.aggregator.Collect(ctx, started, snap.Profile, snap.Preferences); err == nil {
		currentIOB = inputs.IOB.IOB
		rec.IOB = currentIOB
		rec.COB = inputs.COB
		if latest := inputs.Latest(); latest != nil {
			rec.Glucose = latest.SGV
		}
	} else {
		s.log.Warn("aggregation failed for manual command, IOB unknown", "error", err)
	}

	state := safety.State{
		BasalIncrement: s.dispatcher.Driver().SupportedBasalIncrement(),
		BolusIncrement: s.dispatcher.Driver().SupportedBolusIncrement(),
		Now:            started,
	}
	cmd, rejection := s.validator.ValidateManual(
		kind, rate, durationMinutes, units, snap.Profile, snap.Preferences, currentIOB, state,
	)
	if rejection != nil {
		rec.Outcome = models.CycleOutcome{Status: models.OutcomeRejected, Reason: rejection.Reason}
		return rec, rejection
	}
	rec.ValidatedCommand = &cmd

	s.setPhase(PhaseDispatching)
	s.dispatch(ctx, &rec, cmd)
	if rec.Outcome.Status == models.OutcomeFailed {
		return rec, errors.New(rec.Outcome.Reason)
	}
	return rec, nil
}

// record persists an out-of-cycle record and returns the pipeline to idle.
func (s *Scheduler) record(ctx context.Context, rec models.LoopCycleRecord) {
	if err := s.sink.Append(ctx, rec); err != nil {
		s.log.Error("history append failed", "cycle", rec.CycleID, "error", err)
	}
	s.mu.Lock()
	recCopy := rec
	s.lastRecord = &recCopy
	s.phase = PhaseIdle
	s.idle.Broadcast()
	s.mu.Unlock()

	select {
	case s.completed <- rec:
	default:
	}
}
