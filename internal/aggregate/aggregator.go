// Package aggregate collects the latest glucose, insulin, carb, and pump
// state into one immutable CycleInputs snapshot at the start of each cycle.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mrcode/aidloop/internal/iob"
	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
)

// Aggregation failures fatal to a cycle but not to the process.
var (
	ErrNoGlucose     = errors.New("no glucose history available")
	ErrNoPumpHistory = errors.New("no pump history available")
	ErrNoProfile     = errors.New("no profile available")
)

// GlucoseStore supplies the append-only glucose reading sequence.
type GlucoseStore interface {
	GlucoseHistory(ctx context.Context, since time.Time) ([]models.GlucoseReading, error)
}

// TreatmentStore supplies pump history and active overrides/temp targets.
type TreatmentStore interface {
	PumpHistory(ctx context.Context, since time.Time) ([]models.PumpEvent, error)
	ActiveOverrides(ctx context.Context) ([]models.Override, error)
	ActiveTempTargets(ctx context.Context) ([]models.TempTarget, error)
}

// StatusReader reads live pump state. This is the only aggregation input
// that touches hardware; it never writes.
type StatusReader interface {
	ReadPumpStatus(ctx context.Context) (models.PumpStatus, error)
}

// Options tune the aggregation window and staleness policy.
type Options struct {
	Lookback           time.Duration // glucose/pump history window
	StalenessThreshold time.Duration // newest reading older than this marks inputs stale
	FlatWindow         time.Duration // window checked for an implausibly flat trace
}

// DefaultOptions returns the standard lookback and staleness settings.
func DefaultOptions() Options {
	return Options{
		Lookback:           24 * time.Hour,
		StalenessThreshold: 12 * time.Minute,
		FlatWindow:         45 * time.Minute,
	}
}

// Aggregator builds CycleInputs from the injected stores.
type Aggregator struct {
	glucose    GlucoseStore
	treatments TreatmentStore
	status     StatusReader
	opts       Options
	log        *logger.Logger
}

// New creates an aggregator over the given stores.
func New(glucose GlucoseStore, treatments TreatmentStore, status StatusReader, opts Options, log *logger.Logger) *Aggregator {
	return &Aggregator{
		glucose:    glucose,
		treatments: treatments,
		status:     status,
		opts:       opts,
		log:        log,
	}
}

// Collect pulls every input and produces one immutable snapshot. IOB and
// COB are recomputed from pump history here, never cached across cycles.
func (a *Aggregator) Collect(ctx context.Context, now time.Time, profile models.Profile, prefs models.Preferences) (models.CycleInputs, error) {
	if len(profile.BasalSchedule) == 0 {
		return models.CycleInputs{}, ErrNoProfile
	}

	since := now.Add(-a.opts.Lookback)

	history, err := a.glucose.GlucoseHistory(ctx, since)
	if err != nil {
		return models.CycleInputs{}, fmt.Errorf("reading glucose history: %w", err)
	}
	if len(history) == 0 {
		return models.CycleInputs{}, ErrNoGlucose
	}

	events, err := a.treatments.PumpHistory(ctx, since)
	if err != nil {
		return models.CycleInputs{}, fmt.Errorf("reading pump history: %w", err)
	}
	if len(events) == 0 {
		return models.CycleInputs{}, ErrNoPumpHistory
	}

	status, err := a.status.ReadPumpStatus(ctx)
	if err != nil {
		return models.CycleInputs{}, fmt.Errorf("reading pump status: %w", err)
	}

	calc := iob.NewCalculator(profile, prefs)
	inputs := models.CycleInputs{
		GlucoseHistory: history,
		IOB:            calc.Compute(events, profile, now),
		COB:            calc.COB(events, profile, now),
		ReservoirUnits: status.ReservoirUnits,
		BatteryPercent: status.BatteryPercent,
		PumpHistory:    events,
		Clock:          now,
	}

	if status.TempBasal != nil && status.TempBasal.Active(now) {
		inputs.CurrentTempBasal = models.TempBasal{
			Rate:            status.TempBasal.Rate,
			DurationMinutes: status.TempBasal.Remaining(now),
			StartedAt:       status.TempBasal.StartedAt,
		}
	}

	inputs.ActiveOverride = a.pickOverride(ctx, now)
	inputs.ActiveTempTarget = a.pickTempTarget(ctx, now)

	if latest := inputs.Latest(); latest != nil {
		age := now.Sub(latest.Time())
		if age > a.opts.StalenessThreshold {
			a.log.Warn("glucose data is stale", "ageMinutes", int(age.Minutes()))
			inputs.Stale = true
		}
	}
	inputs.Flat = a.isFlat(history, now)

	return inputs, nil
}

// pickOverride resolves concurrent overrides: the most recently started
// wins, and the conflict is logged.
func (a *Aggregator) pickOverride(ctx context.Context, now time.Time) *models.Override {
	overrides, err := a.treatments.ActiveOverrides(ctx)
	if err != nil {
		a.log.Warn("reading overrides failed", "error", err)
		return nil
	}
	var active []models.Override
	for _, o := range overrides {
		if o.Active(now) {
			active = append(active, o)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.After(active[j].StartedAt) })
	if len(active) > 1 {
		a.log.Warn("multiple active overrides, most recent wins",
			"count", len(active), "winner", active[0].Name)
	}
	return &active[0]
}

func (a *Aggregator) pickTempTarget(ctx context.Context, now time.Time) *models.TempTarget {
	targets, err := a.treatments.ActiveTempTargets(ctx)
	if err != nil {
		a.log.Warn("reading temp targets failed", "error", err)
		return nil
	}
	var active []models.TempTarget
	for _, t := range targets {
		if t.Active(now) {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.After(active[j].StartedAt) })
	if len(active) > 1 {
		a.log.Warn("multiple active temp targets, most recent wins", "count", len(active))
	}
	return &active[0]
}

// isFlat reports an implausibly flat CGM trace over the flat window. A
// trace pinned at the sensor maximum is excluded; that is a real condition.
func (a *Aggregator) isFlat(history []models.GlucoseReading, now time.Time) bool {
	cutoff := now.Add(-a.opts.FlatWindow)
	var inWindow []float64
	for i := range history {
		if history[i].Time().After(cutoff) {
			inWindow = append(inWindow, history[i].SGV)
		}
	}
	if len(inWindow) < 5 {
		return false
	}
	first := inWindow[0]
	if first == models.SensorMax {
		return false
	}
	for _, v := range inWindow {
		if v != first {
			return false
		}
	}
	return true
}
