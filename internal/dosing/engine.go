package dosing

import (
	"fmt"
	"sort"
	"time"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
)

// Engine assembles the decision-function inputs from a cycle snapshot,
// invokes the algorithm, and converts panics into cycle-fatal errors.
type Engine struct {
	alg Algorithm
	log *logger.Logger
}

// NewEngine wraps the given algorithm.
func NewEngine(alg Algorithm, log *logger.Logger) *Engine {
	return &Engine{alg: alg, log: log}
}

// Version reports the wrapped algorithm version.
func (e *Engine) Version() string { return e.alg.Version() }

// Decide invokes the decision function over one cycle snapshot. A panic or
// error inside the algorithm becomes an AlgorithmError; fail-safe means no
// dosing change is better than an unvalidated one.
func (e *Engine) Decide(
	inputs models.CycleInputs,
	profile models.Profile,
	prefs models.Preferences,
	autosens models.AutosensResult,
) (rec models.Recommendation, err error) {
	status, serr := GlucoseStatusFrom(inputs.GlucoseHistory, inputs.Clock)
	if serr != nil {
		return models.Recommendation{}, &AlgorithmError{Detail: "glucose status", Err: serr}
	}

	target := profile.Target()
	tempTargetSet := false
	if inputs.ActiveTempTarget != nil {
		target = inputs.ActiveTempTarget.Target()
		tempTargetSet = true
	}

	meal := mealDataFrom(inputs)
	allowed, smbReason := smbAllowed(
		prefs, meal, status.Glucose, target, tempTargetSet,
		inputs.ActiveOverride, lastSMBTime(inputs.PumpHistory), inputs.Clock,
	)
	e.log.Debug("microbolus gate", "allowed", allowed, "reason", smbReason)

	algIn := AlgorithmInputs{
		IOB:               inputs.IOB,
		CurrentTemp:       inputs.CurrentTempBasal,
		GlucoseStatus:     status,
		Profile:           profile,
		AutosensRatio:     autosens.Ratio,
		Meal:              meal,
		MicrobolusAllowed: allowed,
		Reservoir:         inputs.ReservoirUnits,
		Clock:             inputs.Clock,
		PumpHistory:       inputs.PumpHistory,
		Preferences:       prefs,
		BasalRate:         profile.BasalSchedule.ValueAt(inputs.Clock),
		TempTarget:        inputs.ActiveTempTarget,
	}

	defer func() {
		if r := recover(); r != nil {
			err = &AlgorithmError{Detail: fmt.Sprintf("panic in decision function: %v", r)}
			rec = models.Recommendation{}
		}
	}()

	rec, algErr := e.alg.DetermineBasal(algIn)
	if algErr != nil {
		return models.Recommendation{}, &AlgorithmError{Detail: "determine basal", Err: algErr}
	}

	rec.SensitivityRatio = autosens.Ratio
	rec.CurrentTarget = target
	rec.DeliverAt = inputs.Clock
	rec.AlgorithmVersion = e.alg.Version()
	if !allowed {
		rec.Reason = rec.Reason + "; " + smbReason
	}
	return rec, nil
}

// GlucoseStatusFrom derives the latest value and averaged deltas from
// glucose history, in mg/dL per 5 minutes.
func GlucoseStatusFrom(history []models.GlucoseReading, now time.Time) (models.GlucoseStatus, error) {
	if len(history) == 0 {
		return models.GlucoseStatus{}, fmt.Errorf("empty glucose history")
	}

	sorted := make([]models.GlucoseReading, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date > sorted[j].Date })

	latest := sorted[0]
	status := models.GlucoseStatus{
		Glucose: latest.SGV,
		Date:    latest.Time(),
	}

	var shortSum, shortCount, longSum, longCount float64
	for i := 1; i < len(sorted); i++ {
		minutesAgo := latest.Time().Sub(sorted[i].Time()).Minutes()
		if minutesAgo <= 0 {
			continue
		}
		// Normalize each pairwise delta to a 5-minute slope.
		delta := (latest.SGV - sorted[i].SGV) / minutesAgo * 5

		if minutesAgo > 2.5 && minutesAgo < 7.5 && status.Delta == 0 {
			status.Delta = round1(delta)
		}
		if minutesAgo <= 17.5 {
			shortSum += delta
			shortCount++
		}
		if minutesAgo > 17.5 && minutesAgo <= 47.5 {
			longSum += delta
			longCount++
		}
	}
	if shortCount > 0 {
		status.ShortAvgDelta = round1(shortSum / shortCount)
	}
	if longCount > 0 {
		status.LongAvgDelta = round1(longSum / longCount)
	}
	return status, nil
}

// mealDataFrom summarizes COB and recent carb entries (6h window, matching
// the carb window the SMB gate keys off).
func mealDataFrom(inputs models.CycleInputs) MealData {
	meal := MealData{COB: inputs.COB}
	cutoff := inputs.Clock.Add(-6 * time.Hour)
	for i := range inputs.PumpHistory {
		e := &inputs.PumpHistory[i]
		if !e.HasCarbs() || e.Time().Before(cutoff) {
			continue
		}
		meal.Carbs += e.Carbs
		t := e.Time()
		if meal.LastCarbTime == nil || t.After(*meal.LastCarbTime) {
			meal.LastCarbTime = &t
		}
	}
	return meal
}

func round1(v float64) float64 {
	if v < 0 {
		return float64(int(v*10-0.5)) / 10
	}
	return float64(int(v*10+0.5)) / 10
}
