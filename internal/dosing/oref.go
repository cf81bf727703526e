package dosing

import (
	"fmt"
	"math"
	"time"

	"github.com/mrcode/aidloop/internal/iob"
	"github.com/mrcode/aidloop/internal/models"
)

// OrefAlgorithm is the built-in decision function: an oref-inspired
// temp-basal/microbolus strategy. It emits at most one of a temp basal
// change or a microbolus per invocation.
type OrefAlgorithm struct{}

// NewOrefAlgorithm returns the default algorithm.
func NewOrefAlgorithm() *OrefAlgorithm { return &OrefAlgorithm{} }

// Version identifies the algorithm for audit records and A/B comparison.
func (o *OrefAlgorithm) Version() string { return "oref-go/1.0" }

// DetermineBasal maps the cycle state to a recommendation. Pure and
// deterministic: the same inputs always yield the same output.
func (o *OrefAlgorithm) DetermineBasal(in AlgorithmInputs) (models.Recommendation, error) {
	bg := in.GlucoseStatus.Glucose
	if bg <= 38 {
		return models.Recommendation{}, fmt.Errorf("CGM reading %.0f is unreliable", bg)
	}
	if in.AutosensRatio <= 0 {
		return models.Recommendation{}, fmt.Errorf("invalid autosens ratio %.2f", in.AutosensRatio)
	}

	isf := in.Profile.ISFSchedule.ValueAt(in.Clock)
	cr := in.Profile.CarbRatioSchedule.ValueAt(in.Clock)
	if isf <= 0 || cr <= 0 {
		return models.Recommendation{}, fmt.Errorf("invalid profile schedules at %s", in.Clock.Format("15:04"))
	}

	// Autosens scales sensitivity down and basal up symmetrically.
	sens := isf / in.AutosensRatio
	basal := in.BasalRate * in.AutosensRatio
	csf := sens / cr

	target := in.Profile.Target()
	if in.TempTarget != nil {
		target = in.TempTarget.Target()
	}
	threshold := math.Max(65, target-40)

	// Projected effect of insulin activity over the next 5 minutes.
	bgi := round2(-in.IOB.Activity * sens)
	minDelta := math.Min(in.GlucoseStatus.Delta, in.GlucoseStatus.ShortAvgDelta)
	deviation := round1(6 * (minDelta - bgi))

	// Expected carb impact over the insulin horizon: assume remaining COB
	// absorbs, capped by what the min-impact floor guarantees.
	carbImpact := in.Meal.COB * csf

	naiveEventualBG := bg - in.IOB.IOB*sens
	eventualBG := math.Round(naiveEventualBG + deviation + carbImpact)
	insulinReq := round2((eventualBG - target) / sens)

	rec := models.Recommendation{
		BG:         bg,
		EventualBG: eventualBG,
		IOB:        in.IOB.IOB,
		COB:        in.Meal.COB,
		InsulinReq: insulinReq,
	}
	rec.Predictions = o.predict(bg, in, sens, csf)

	trace := fmt.Sprintf("COB: %.0f, Dev: %.0f, BGI: %.2f, ISF: %.0f, CR: %.0f, Target: %.0f, minDelta: %.1f, EventualBG: %.0f",
		in.Meal.COB, deviation, bgi, sens, cr, target, minDelta, eventualBG)

	switch {
	case eventualBG < threshold:
		// Predicted low: reduce delivery proportionally, down to zero temp.
		rate := round2(math.Max(0, basal+2*insulinReq))
		duration := 30
		rec.Rate = &rate
		rec.Duration = &duration
		rec.Reason = fmt.Sprintf("%s; eventualBG %.0f < threshold %.0f, setting temp %.2f U/hr for %dm",
			trace, eventualBG, threshold, rate, duration)

	case eventualBG < target:
		// Mildly below target: low temp scaled by how far below we project.
		rate := round2(math.Max(0, basal*eventualBG/target))
		if o.tempUnchanged(in.CurrentTemp, rate, in.Clock) {
			rec.Reason = fmt.Sprintf("%s; temp %.2f U/hr already running", trace, in.CurrentTemp.Rate)
			return rec, nil
		}
		duration := 30
		rec.Rate = &rate
		rec.Duration = &duration
		rec.Reason = fmt.Sprintf("%s; eventualBG %.0f < target %.0f, setting temp %.2f U/hr", trace, eventualBG, target, rate)

	case eventualBG <= target+10 && !in.CurrentTemp.Active(in.Clock):
		rec.Reason = fmt.Sprintf("%s; in range, no temp required", trace)

	case eventualBG <= target+10:
		// In range with a leftover temp running: let it expire naturally
		// when close to scheduled basal, cancel otherwise.
		if math.Abs(in.CurrentTemp.Rate-basal) < 0.1 {
			rec.Reason = fmt.Sprintf("%s; in range, temp near basal, no change", trace)
			return rec, nil
		}
		rate := round2(basal)
		duration := 0
		rec.Rate = &rate
		rec.Duration = &duration
		rec.Reason = fmt.Sprintf("%s; in range, cancelling temp", trace)

	case in.MicrobolusAllowed && insulinReq > 0:
		// Above target with SMB available: deliver a fraction of the
		// requirement as a microbolus and keep basal neutral.
		units := round2(insulinReq * in.Preferences.SMBDeliveryRatio)
		rec.Units = &units
		rec.Reason = fmt.Sprintf("%s; eventualBG %.0f > target %.0f, microbolus %.2f U", trace, eventualBG, target, units)

	default:
		rate := round2(math.Min(basal+2*insulinReq, basal*4))
		if o.tempUnchanged(in.CurrentTemp, rate, in.Clock) {
			rec.Reason = fmt.Sprintf("%s; high temp %.2f U/hr already running", trace, in.CurrentTemp.Rate)
			return rec, nil
		}
		duration := 30
		rec.Rate = &rate
		rec.Duration = &duration
		rec.Reason = fmt.Sprintf("%s; eventualBG %.0f > target %.0f, setting temp %.2f U/hr", trace, eventualBG, target, rate)
	}

	return rec, nil
}

// tempUnchanged reports whether the running temp already matches the
// desired rate with enough time left to skip a pump command.
func (o *OrefAlgorithm) tempUnchanged(current models.TempBasal, rate float64, now time.Time) bool {
	return current.Active(now) &&
		math.Abs(current.Rate-rate) < 0.025 &&
		current.Remaining(now) >= 15
}

// predict builds the forward glucose curves: insulin-only, zero-temp, and
// carb-inclusive, at 5-minute steps over three hours.
func (o *OrefAlgorithm) predict(bg float64, in AlgorithmInputs, sens, csf float64) *models.Predictions {
	calc := iob.NewCalculator(in.Profile, in.Preferences)

	const steps = 36
	preds := &models.Predictions{
		IOB: make([]float64, 0, steps),
		ZT:  make([]float64, 0, steps),
		COB: make([]float64, 0, steps),
	}

	iobCurve := bg
	ztCurve := bg
	cobCurve := bg
	remainingCOB := in.Meal.COB

	for step := 1; step <= steps; step++ {
		minutes := float64(step * 5)
		// Insulin consumed during this 5-minute slice, as a fraction of IOB.
		used := calc.ActivityRemaining(minutes-5) - calc.ActivityRemaining(minutes)
		insulinEffect := in.IOB.IOB * used * sens

		iobCurve = clampBG(iobCurve - insulinEffect)
		// Zero-temp assumes basal stops now: less insulin, higher curve.
		ztCurve = clampBG(ztCurve - insulinEffect + in.BasalRate*5/60*sens*0.5)

		absorbed := math.Min(remainingCOB, in.Meal.COB/float64(steps)*1.5)
		remainingCOB -= absorbed
		cobCurve = clampBG(cobCurve - insulinEffect + absorbed*csf)

		preds.IOB = append(preds.IOB, math.Round(iobCurve))
		preds.ZT = append(preds.ZT, math.Round(ztCurve))
		preds.COB = append(preds.COB, math.Round(cobCurve))
	}
	return preds
}

func clampBG(v float64) float64 { return math.Max(20, math.Min(500, v)) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
