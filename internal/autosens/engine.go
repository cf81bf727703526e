// Package autosens computes the sensitivity ratio from recent glucose
// deviations against the profile-predicted effect of logged insulin and
// carbs. The ratio is clamped here, before it reaches the decision
// function, because the ratio itself is a decision input.
package autosens

import (
	"math"
	"sort"
	"time"

	"github.com/mrcode/aidloop/internal/iob"
	"github.com/mrcode/aidloop/internal/models"
)

// Engine computes bounded autosens ratios. It is stateless beyond the
// inputs of a single Compute call, so identical history yields identical
// ratios.
type Engine struct {
	// LookbackHours bounds the deviation window. Default 24.
	LookbackHours float64
	// MinDeviations is the sample count below which the prior ratio is
	// kept. Default 10.
	MinDeviations int
}

// NewEngine returns an engine with the standard deviation window.
func NewEngine() *Engine {
	return &Engine{LookbackHours: 24, MinDeviations: 10}
}

// Compute derives the sensitivity ratio from glucose history and pump
// history. The result is always within [prefs.AutosensMin,
// prefs.AutosensMax]; when too few deviations exist, the prior ratio
// (clamped) is returned unchanged.
func (e *Engine) Compute(
	history []models.GlucoseReading,
	events []models.PumpEvent,
	profile models.Profile,
	prefs models.Preferences,
	priorRatio float64,
	now time.Time,
) models.AutosensResult {
	calc := iob.NewCalculator(profile, prefs)

	sorted := make([]models.GlucoseReading, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	cutoff := now.Add(-time.Duration(e.LookbackHours) * time.Hour)
	var ratios []float64

	for i := 1; i < len(sorted); i++ {
		cur := &sorted[i]
		prev := &sorted[i-1]
		if cur.Time().Before(cutoff) {
			continue
		}

		gap := cur.Time().Sub(prev.Time()).Minutes()
		if gap < 4 || gap > 6 {
			continue
		}

		actualDelta := cur.SGV - prev.SGV
		expectedDelta := calc.ExpectedDelta(prev.Time(), cur.Time(), events, profile)

		// Only windows with meaningful expected effect carry signal.
		if math.Abs(expectedDelta) <= 5 {
			continue
		}

		// Offset both deltas to keep the ratio stable near zero.
		ratios = append(ratios, (actualDelta+100)/(expectedDelta+100))
	}

	ratio := priorRatio
	if ratio == 0 {
		ratio = 1.0
	}
	if len(ratios) >= e.MinDeviations {
		sort.Float64s(ratios)
		ratio = ratios[len(ratios)/2]
	}

	ratio = math.Max(prefs.AutosensMin, math.Min(prefs.AutosensMax, ratio))

	result := models.AutosensResult{
		Ratio:      ratio,
		ComputedAt: now,
		Deviations: len(ratios),
	}
	if isf := profile.ISFSchedule.ValueAt(now); isf > 0 && ratio > 0 {
		result.NewISF = math.Round(isf/ratio*10) / 10
	}
	return result
}
