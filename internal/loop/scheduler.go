// Package loop runs the closed-loop cycle: aggregate inputs, compute a
// dose, validate it, dispatch it, record the outcome. Exactly one cycle is
// in flight at any time.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrcode/aidloop/internal/aggregate"
	"github.com/mrcode/aidloop/internal/autosens"
	"github.com/mrcode/aidloop/internal/dosing"
	"github.com/mrcode/aidloop/internal/history"
	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
	"github.com/mrcode/aidloop/internal/profile"
	"github.com/mrcode/aidloop/internal/pump"
	"github.com/mrcode/aidloop/internal/recovery"
	"github.com/mrcode/aidloop/internal/safety"
)

// Phase is the scheduler's observable state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseAggregating Phase = "aggregating"
	PhaseComputing   Phase = "computing"
	PhaseValidating  Phase = "validating"
	PhaseDispatching Phase = "dispatching"
	PhaseSettling    Phase = "settling"
)

// Trigger reasons recorded on cycle records.
const (
	TriggerTimer    = "timer"
	TriggerGlucose  = "glucose"
	TriggerSettings = "settings"
	TriggerManual   = "manual"
	TriggerRecovery = "recovery"
)

// Uploader posts loop results to a remote follower service. Optional; a nil
// uploader disables the step.
type Uploader interface {
	UploadDeviceStatus(ctx context.Context, rec models.LoopCycleRecord, status *models.PumpStatus) error
	UploadTreatment(ctx context.Context, cmd models.ValidatedCommand, at time.Time) error
}

// Options tune the scheduler.
type Options struct {
	Interval   time.Duration // nominal cycle period
	MinSpacing time.Duration // external triggers closer than this are dropped
}

// DefaultOptions returns the standard five minute cadence.
func DefaultOptions() Options {
	return Options{Interval: 5 * time.Minute, MinSpacing: time.Minute}
}

// Scheduler owns the loop goroutine. All dependencies are injected; the
// scheduler itself holds no dosing logic.
type Scheduler struct {
	aggregator *aggregate.Aggregator
	profiles   *profile.Store
	autosens   *autosens.Engine
	dosing     *dosing.Engine
	validator  *safety.Validator
	dispatcher *pump.Dispatcher
	recovery   *recovery.Controller
	sink       history.Sink
	uploader   Uploader
	log        *logger.Logger
	opts       Options
	now        func() time.Time

	trigger chan string

	mu          sync.Mutex
	idle        *sync.Cond // signalled whenever phase returns to PhaseIdle
	phase       Phase
	lastStarted time.Time
	lastRecord  *models.LoopCycleRecord
	pending     string // coalesced trigger reason, empty when none
	priorRatio  float64

	completed      chan models.LoopCycleRecord
	recoveryEvents chan recovery.Event
}

// New wires a scheduler. The uploader may be nil.
func New(
	aggregator *aggregate.Aggregator,
	profiles *profile.Store,
	autosensEngine *autosens.Engine,
	dosingEngine *dosing.Engine,
	validator *safety.Validator,
	dispatcher *pump.Dispatcher,
	recoveryCtl *recovery.Controller,
	sink history.Sink,
	uploader Uploader,
	opts Options,
	log *logger.Logger,
) *Scheduler {
	s := &Scheduler{
		aggregator:     aggregator,
		profiles:       profiles,
		autosens:       autosensEngine,
		dosing:         dosingEngine,
		validator:      validator,
		dispatcher:     dispatcher,
		recovery:       recoveryCtl,
		sink:           sink,
		uploader:       uploader,
		log:            log,
		opts:           opts,
		now:            time.Now,
		trigger:        make(chan string, 1),
		phase:          PhaseIdle,
		priorRatio:     1.0,
		completed:      make(chan models.LoopCycleRecord, 8),
		recoveryEvents: make(chan recovery.Event, 8),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Completed delivers finished cycle records. Slow consumers lose the oldest
// record, never the newest.
func (s *Scheduler) Completed() <-chan models.LoopCycleRecord { return s.completed }

// RecoveryEvents re-delivers recovery state changes after the scheduler has
// recorded terminal resolutions. Same drop-oldest semantics as Completed.
func (s *Scheduler) RecoveryEvents() <-chan recovery.Event { return s.recoveryEvents }

// Phase reports the current cycle phase.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastRecord returns the most recent finished cycle, if any.
func (s *Scheduler) LastRecord() *models.LoopCycleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecord
}

// TriggerCycle requests an immediate cycle. If a cycle is running, exactly
// one follow-up is queued no matter how many triggers arrive. Triggers
// closer than MinSpacing to the last cycle start are dropped.
func (s *Scheduler) TriggerCycle(reason string) {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		if s.pending == "" {
			s.pending = reason
		}
		s.mu.Unlock()
		s.log.Debug("cycle in flight, trigger coalesced", "reason", reason)
		return
	}
	tooSoon := !s.lastStarted.IsZero() && s.now().Sub(s.lastStarted) < s.opts.MinSpacing
	s.mu.Unlock()

	if tooSoon && reason != TriggerManual {
		s.log.Debug("trigger too soon after last cycle, dropped", "reason", reason)
		return
	}
	select {
	case s.trigger <- reason:
	default:
	}
}

// Run blocks, driving cycles from the interval ticker, external triggers,
// and settings changes, until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.log.Info("loop started", "interval", s.opts.Interval)
	// Run one cycle immediately rather than waiting a full interval.
	s.runCycle(ctx, TriggerTimer)

	var recEvents <-chan recovery.Event
	if s.recovery != nil {
		recEvents = s.recovery.Events()
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx, TriggerTimer)
		case reason := <-s.trigger:
			s.runCycle(ctx, reason)
		case <-s.profiles.Changed():
			s.log.Info("therapy settings changed, triggering cycle")
			s.runCycle(ctx, TriggerSettings)
		case ev := <-recEvents:
			s.handleRecoveryEvent(ctx, ev)
		}
		s.drainPending(ctx)
	}
}

// handleRecoveryEvent forwards a recovery state change to observers and,
// for terminal resolutions, appends a history record so the resolved
// outcome is queryable alongside cycles.
func (s *Scheduler) handleRecoveryEvent(ctx context.Context, ev recovery.Event) {
	for {
		select {
		case s.recoveryEvents <- ev:
		default:
			select {
			case <-s.recoveryEvents:
			default:
			}
			continue
		}
		break
	}

	if ev.Resolution == nil {
		return
	}
	res := ev.Resolution
	var outcome models.CycleOutcome
	switch res.State {
	case models.CommandResolvedSucceeded:
		outcome = models.CycleOutcome{
			Status: models.OutcomeSucceeded,
			Reason: fmt.Sprintf("delivery confirmed after %d polls", res.Polls),
		}
	case models.CommandResolvedFailed:
		outcome = models.CycleOutcome{
			Status: models.OutcomeFailed,
			Reason: fmt.Sprintf("delivery ruled out after %d polls", res.Polls),
		}
	default:
		outcome = models.CycleOutcome{
			Status: models.OutcomeUncertain,
			Reason: "recovery window exhausted, awaiting acknowledgement",
		}
	}
	cmdCopy := res.Command
	s.record(ctx, models.LoopCycleRecord{
		CycleID:          uuid.NewString(),
		StartedAt:        ev.At.Add(-res.Elapsed),
		FinishedAt:       ev.At,
		Trigger:          TriggerRecovery,
		ValidatedCommand: &cmdCopy,
		Outcome:          outcome,
	})
}

// drainPending runs at most one coalesced follow-up cycle.
func (s *Scheduler) drainPending(ctx context.Context) {
	s.mu.Lock()
	reason := s.pending
	s.pending = ""
	s.mu.Unlock()
	if reason != "" && ctx.Err() == nil {
		s.runCycle(ctx, reason)
	}
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// runCycle executes one full cycle. Every path through it produces exactly
// one history record.
func (s *Scheduler) runCycle(ctx context.Context, trigger string) {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		if s.pending == "" {
			s.pending = trigger
		}
		s.mu.Unlock()
		return
	}
	started := s.now()
	s.lastStarted = started
	s.phase = PhaseAggregating
	s.mu.Unlock()

	rec := models.LoopCycleRecord{
		CycleID:   uuid.NewString(),
		StartedAt: started,
		Trigger:   trigger,
	}
	defer func() {
		rec.FinishedAt = s.now()
		s.finish(ctx, rec)
	}()

	snap := s.profiles.Snapshot()

	inputs, err := s.aggregator.Collect(ctx, started, snap.Profile, snap.Preferences)
	if err != nil {
		s.log.Error("input aggregation failed", "cycle", rec.CycleID, "error", err)
		rec.Outcome = models.CycleOutcome{Status: models.OutcomeFailed, Reason: "aggregation: " + err.Error()}
		return
	}
	if latest := inputs.Latest(); latest != nil {
		rec.Glucose = latest.SGV
	}
	rec.IOB = inputs.IOB.IOB
	rec.COB = inputs.COB

	s.setPhase(PhaseComputing)

	sens := s.autosens.Compute(
		inputs.GlucoseHistory, inputs.PumpHistory,
		snap.Profile, snap.Preferences, s.priorRatio, started,
	)
	s.mu.Lock()
	s.priorRatio = sens.Ratio
	s.mu.Unlock()
	rec.AutosensRatio = sens.Ratio

	// An unresolved uncertain delivery blocks dosing but not monitoring:
	// the cycle records its inputs and stops before computing a dose.
	if s.recovery != nil && s.recovery.Blocked() {
		rec.Outcome = models.CycleOutcome{Status: models.OutcomeBlocked, Reason: "uncertain delivery unresolved"}
		s.log.Warn("dosing blocked by unresolved delivery", "cycle", rec.CycleID)
		return
	}

	suggestion, err := s.dosing.Decide(inputs, snap.Profile, snap.Preferences, sens)
	if err != nil {
		var algErr *dosing.AlgorithmError
		reason := "algorithmFailure"
		if errors.As(err, &algErr) {
			reason = "algorithmFailure: " + algErr.Detail
		}
		s.log.Error("decision function failed, no command issued", "cycle", rec.CycleID, "error", err)
		rec.Outcome = models.CycleOutcome{Status: models.OutcomeFailed, Reason: reason}
		return
	}
	rec.Recommendation = &suggestion

	s.setPhase(PhaseValidating)

	state := safety.State{
		Stale:                 inputs.Stale,
		Flat:                  inputs.Flat,
		ManualTempBasalActive: manualTempActive(inputs),
		TempBasalActive:       inputs.CurrentTempBasal.Active(started),
		BasalIncrement:        s.dispatcher.Driver().SupportedBasalIncrement(),
		BolusIncrement:        s.dispatcher.Driver().SupportedBolusIncrement(),
		DurationIncrement:     30,
		Now:                   started,
	}
	cmd, rejection := s.validator.Validate(
		suggestion, snap.Preferences, snap.Profile, inputs.IOB.IOB, inputs.COB, state,
	)
	if rejection != nil {
		status := models.OutcomeRejected
		if rejection.Code == safety.RejectNoAction {
			status = models.OutcomeNoAction
		}
		if rejection.Code == safety.RejectManualOverrideActive {
			status = models.OutcomeSuppressed
		}
		rec.Outcome = models.CycleOutcome{Status: status, Reason: rejection.Reason}
		s.log.Info("cycle ended without dispatch", "cycle", rec.CycleID, "status", status, "reason", rejection.Reason)
		return
	}
	rec.ValidatedCommand = &cmd

	s.setPhase(PhaseDispatching)
	s.dispatch(ctx, &rec, cmd)
}

// dispatch sends the validated command and classifies the outcome. A
// baseline status read precedes the send so bolus recovery can judge by
// reservoir delta. Shutdown must not interrupt a command already past
// validation, so the dispatch phase detaches from loop cancellation.
func (s *Scheduler) dispatch(ctx context.Context, rec *models.LoopCycleRecord, cmd models.ValidatedCommand) {
	ctx = context.WithoutCancel(ctx)

	var baseline *models.PumpStatus
	if st, err := s.dispatcher.Driver().ReadPumpStatus(ctx); err == nil {
		baseline = &st
	}

	result := s.dispatcher.Dispatch(ctx, cmd)
	switch result.State {
	case models.CommandAcknowledged:
		rec.Outcome = models.CycleOutcome{Status: models.OutcomeSucceeded}
		s.log.Info("command enacted", "cycle", rec.CycleID, "kind", cmd.Kind)
		if s.uploader != nil {
			if err := s.uploader.UploadTreatment(ctx, cmd, result.SentAt); err != nil {
				s.log.Warn("treatment upload failed", "error", err)
			}
		}
	case models.CommandUncertain:
		rec.Outcome = models.CycleOutcome{Status: models.OutcomeUncertain, Reason: result.Err.Error()}
		if s.recovery != nil {
			s.recovery.Begin(ctx, cmd, baseline)
		}
	default:
		rec.Outcome = models.CycleOutcome{Status: models.OutcomeFailed, Reason: result.Err.Error()}
		s.log.Error("dispatch failed", "cycle", rec.CycleID, "error", result.Err)
	}
}

// finish records the cycle, publishes it and returns the scheduler to idle.
func (s *Scheduler) finish(ctx context.Context, rec models.LoopCycleRecord) {
	s.setPhase(PhaseSettling)

	if err := s.sink.Append(ctx, rec); err != nil {
		s.log.Error("history append failed", "cycle", rec.CycleID, "error", err)
	}
	if s.uploader != nil {
		var status *models.PumpStatus
		if st, err := s.dispatcher.Driver().ReadPumpStatus(ctx); err == nil {
			status = &st
		}
		if err := s.uploader.UploadDeviceStatus(ctx, rec, status); err != nil {
			s.log.Warn("device status upload failed", "error", err)
		}
	}

	s.mu.Lock()
	recCopy := rec
	s.lastRecord = &recCopy
	s.phase = PhaseIdle
	s.idle.Broadcast()
	s.mu.Unlock()

	for {
		select {
		case s.completed <- rec:
			return
		default:
			select {
			case <-s.completed:
			default:
			}
		}
	}
}

// manualTempActive reports whether a user-initiated temp basal is running.
// The newest temp basal event decides: if it was not loop-issued and its
// duration has not elapsed, the user's choice stands.
func manualTempActive(inputs models.CycleInputs) bool {
	if !inputs.CurrentTempBasal.Active(inputs.Clock) {
		return false
	}
	var newest *models.PumpEvent
	for i := range inputs.PumpHistory {
		e := &inputs.PumpHistory[i]
		if !e.IsTempBasal() {
			continue
		}
		if newest == nil || e.Date > newest.Date {
			newest = e
		}
	}
	return newest != nil && newest.EventType == models.PumpEventTypes.TempBasal && !newest.Automatic
}
