// Package safety clamps or rejects dosing recommendations against the hard
// limits before anything reaches the pump. Every clamp applied is recorded
// on the resulting command for audit.
package safety

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
)

// RejectionCode classifies why a recommendation produced no command.
// Rejections are expected, recorded outcomes, not errors.
type RejectionCode string

const (
	RejectManualOverrideActive RejectionCode = "manualOverrideActive"
	RejectIOBCeiling           RejectionCode = "iobCeiling"
	RejectNoAction             RejectionCode = "noAction"
)

// Rejection explains a suppressed recommendation.
type Rejection struct {
	Code   RejectionCode
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("recommendation rejected (%s): %s", r.Code, r.Reason)
}

// State carries the per-cycle context the checks need beyond the
// recommendation itself.
type State struct {
	Stale                 bool      // inputs marked stale by the aggregator
	Flat                  bool      // implausibly flat CGM trace
	ManualTempBasalActive bool      // user-initiated temp basal in effect
	TempBasalActive       bool      // any temp basal currently running
	BasalIncrement        float64   // pump-supported basal rate granularity
	BolusIncrement        float64   // pump-supported bolus granularity
	DurationIncrement     int       // pump-supported temp duration granularity, minutes
	Now                   time.Time
}

// Validator applies the ordered safety checks.
type Validator struct {
	log *logger.Logger
}

// NewValidator returns a validator.
func NewValidator(log *logger.Logger) *Validator {
	return &Validator{log: log}
}

// Validate turns a recommendation into the only object allowed to touch
// hardware. Checks run in a fixed order and short-circuit on the first
// rejection:
//
//  1. IOB ceiling: clamp any bolus that would push projected IOB above max.
//  2. COB ceiling: carb-driven recommendations above max COB are flagged.
//  3. Bolus ceiling: round down to pump increment, cap at the SMB limit.
//  4. Basal ceiling: cap rate at max basal, force above-schedule rates
//     down to the scheduled basal while IOB sits at max, snap duration
//     to granularity.
//  5. Staleness: stale or flat inputs force the neutral path.
//  6. Manual override: a user temp basal suppresses automation entirely.
func (v *Validator) Validate(
	rec models.Recommendation,
	prefs models.Preferences,
	profile models.Profile,
	currentIOB float64,
	currentCOB float64,
	state State,
) (models.ValidatedCommand, *Rejection) {
	cmd := models.ValidatedCommand{
		ID:        uuid.NewString(),
		DeliverAt: rec.DeliverAt,
	}
	var constraints []string

	units := 0.0
	if rec.Units != nil {
		units = *rec.Units
	}

	// 1. IOB ceiling.
	if units > 0 {
		headroom := prefs.MaxIOB - currentIOB
		if headroom <= 0 {
			return models.ValidatedCommand{}, &Rejection{
				Code:   RejectIOBCeiling,
				Reason: fmt.Sprintf("IOB %.2f at or above maxIOB %.2f", currentIOB, prefs.MaxIOB),
			}
		}
		if units > headroom {
			constraints = append(constraints,
				fmt.Sprintf("bolus clamped from %.2f to %.2f by maxIOB %.2f", units, headroom, prefs.MaxIOB))
			units = headroom
		}
	}

	// 2. COB ceiling: informational only, never blocks basal changes.
	if currentCOB > prefs.MaxCOB {
		constraints = append(constraints,
			fmt.Sprintf("COB %.0f above maxCOB %.0f", currentCOB, prefs.MaxCOB))
	}

	// 3. Bolus ceiling and pump increment.
	if units > 0 {
		ceiling := math.Min(profile.MaxBolus, prefs.SMBDeliveryRatio*prefs.MaxIOB)
		if units > ceiling {
			constraints = append(constraints,
				fmt.Sprintf("bolus clamped from %.2f to %.2f by bolus ceiling", units, ceiling))
			units = ceiling
		}
		increment := state.BolusIncrement
		if increment <= 0 {
			increment = prefs.BolusIncrement
		}
		rounded := roundDownTo(units, increment)
		if rounded != units {
			constraints = append(constraints,
				fmt.Sprintf("bolus rounded from %.3f to %.2f (increment %.2f)", units, rounded, increment))
			units = rounded
		}
		if units <= 0 {
			return models.ValidatedCommand{}, &Rejection{
				Code:   RejectNoAction,
				Reason: "bolus rounds to zero after constraints",
			}
		}
	}

	// 4. Basal ceiling and duration granularity.
	var rate float64
	var duration int
	hasTemp := rec.Rate != nil
	if hasTemp {
		rate = *rec.Rate
		if rec.Duration != nil {
			duration = *rec.Duration
		}
		if rate < 0 {
			constraints = append(constraints, fmt.Sprintf("rate raised from %.2f to 0", rate))
			rate = 0
		}
		if rate > profile.MaxBasal {
			constraints = append(constraints,
				fmt.Sprintf("rate clamped from %.2f to maxBasal %.2f", rate, profile.MaxBasal))
			rate = profile.MaxBasal
		}
		if scheduled := profile.BasalSchedule.ValueAt(state.Now); currentIOB >= prefs.MaxIOB && rate > scheduled {
			constraints = append(constraints,
				fmt.Sprintf("rate forced from %.2f to scheduled basal %.2f, IOB %.2f at maxIOB %.2f",
					rate, scheduled, currentIOB, prefs.MaxIOB))
			rate = scheduled
		}
		if inc := state.BasalIncrement; inc > 0 {
			snapped := roundDownTo(rate, inc)
			if snapped != rate {
				constraints = append(constraints,
					fmt.Sprintf("rate snapped from %.3f to %.2f (increment %.2f)", rate, snapped, inc))
				rate = snapped
			}
		}
		if inc := state.DurationIncrement; inc > 0 && duration%inc != 0 {
			snapped := (duration / inc) * inc
			if snapped == 0 && duration > 0 {
				snapped = inc
			}
			constraints = append(constraints,
				fmt.Sprintf("duration snapped from %dm to %dm", duration, snapped))
			duration = snapped
		}
	}

	// 5. Staleness override: keep housekeeping, drop dosing. A forced
	// cancel would kill a user's manual temp, so with a manual temp active
	// we fall through to the manual check instead.
	if (state.Stale || state.Flat) && !state.ManualTempBasalActive {
		reason := "glucose stale"
		if state.Flat {
			reason = "glucose trace implausibly flat"
		}
		if state.TempBasalActive {
			cmd.Kind = models.CommandCancelTempBasal
			cmd.ConstraintsApplied = append(constraints,
				fmt.Sprintf("forced cancelTempBasal: %s", reason))
			v.log.Warn("stale inputs force neutral command", "reason", reason)
			return cmd, nil
		}
		return models.ValidatedCommand{}, &Rejection{
			Code:   RejectNoAction,
			Reason: fmt.Sprintf("%s, nothing to cancel", reason),
		}
	}

	// 6. Manual temp basal precedence.
	if state.ManualTempBasalActive {
		return models.ValidatedCommand{}, &Rejection{
			Code:   RejectManualOverrideActive,
			Reason: "manual temp basal in effect, automatic dosing suppressed",
		}
	}

	switch {
	case units > 0:
		cmd.Kind = models.CommandBolus
		cmd.Units = units
	case hasTemp && rate == 0 && duration == 0:
		cmd.Kind = models.CommandCancelTempBasal
	case hasTemp:
		cmd.Kind = models.CommandSetTempBasal
		cmd.Rate = rate
		cmd.DurationMinutes = duration
	default:
		return models.ValidatedCommand{}, &Rejection{
			Code:   RejectNoAction,
			Reason: "recommendation requires no pump change",
		}
	}

	cmd.ConstraintsApplied = constraints
	return cmd, nil
}

// ValidateManual validates a user-initiated command against the same hard
// ceilings. Manual commands bypass the dosing engine but never the limits.
func (v *Validator) ValidateManual(
	kind models.CommandKind,
	rate float64,
	durationMinutes int,
	units float64,
	profile models.Profile,
	prefs models.Preferences,
	currentIOB float64,
	state State,
) (models.ValidatedCommand, *Rejection) {
	cmd := models.ValidatedCommand{
		ID:        uuid.NewString(),
		Kind:      kind,
		Manual:    true,
		DeliverAt: state.Now,
	}
	var constraints []string

	switch kind {
	case models.CommandBolus:
		if units <= 0 {
			return models.ValidatedCommand{}, &Rejection{Code: RejectNoAction, Reason: "bolus of zero units"}
		}
		if units > profile.MaxBolus {
			constraints = append(constraints,
				fmt.Sprintf("bolus clamped from %.2f to maxBolus %.2f", units, profile.MaxBolus))
			units = profile.MaxBolus
		}
		headroom := prefs.MaxIOB - currentIOB
		if headroom <= 0 {
			return models.ValidatedCommand{}, &Rejection{
				Code:   RejectIOBCeiling,
				Reason: fmt.Sprintf("IOB %.2f at or above maxIOB %.2f", currentIOB, prefs.MaxIOB),
			}
		}
		if units > headroom {
			constraints = append(constraints,
				fmt.Sprintf("bolus clamped from %.2f to %.2f by maxIOB", units, headroom))
			units = headroom
		}
		increment := state.BolusIncrement
		if increment <= 0 {
			increment = prefs.BolusIncrement
		}
		cmd.Units = roundDownTo(units, increment)
		if cmd.Units <= 0 {
			return models.ValidatedCommand{}, &Rejection{Code: RejectNoAction, Reason: "bolus rounds to zero"}
		}
	case models.CommandSetTempBasal:
		if rate > profile.MaxBasal {
			constraints = append(constraints,
				fmt.Sprintf("rate clamped from %.2f to maxBasal %.2f", rate, profile.MaxBasal))
			rate = profile.MaxBasal
		}
		if rate < 0 {
			rate = 0
		}
		cmd.Rate = rate
		cmd.DurationMinutes = durationMinutes
	case models.CommandCancelTempBasal:
		// Always allowed; cancelling delivery is the safe direction.
	default:
		return models.ValidatedCommand{}, &Rejection{Code: RejectNoAction, Reason: fmt.Sprintf("unknown command kind %q", kind)}
	}

	cmd.ConstraintsApplied = constraints
	return cmd, nil
}

// roundDownTo rounds v down to the nearest multiple of increment, with a
// small epsilon so 0.2/0.05 style divisions don't lose a step to floating
// point error.
func roundDownTo(v, increment float64) float64 {
	if increment <= 0 {
		return v
	}
	steps := math.Floor(v/increment + 1e-9)
	return math.Round(steps*increment*1000) / 1000
}
