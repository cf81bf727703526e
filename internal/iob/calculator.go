// Package iob recomputes insulin-on-board and carbs-on-board from
// authoritative pump history every cycle. Values are never carried forward
// by accumulation; each cycle derives them from scratch.
package iob

import (
	"math"
	"sort"
	"time"

	"github.com/mrcode/aidloop/internal/models"
)

// Calculator derives IOB and COB using an exponential insulin activity
// curve and a nonlinear carb absorption model.
type Calculator struct {
	InsulinPeakMinutes    float64
	DIAMinutes            float64
	CarbAbsorptionMinutes float64
	Min5mCarbImpact       float64 // mg/dL per 5 min floor
}

// NewCalculator builds a calculator from the profile's DIA and the
// preference curve parameters.
func NewCalculator(profile models.Profile, prefs models.Preferences) *Calculator {
	return &Calculator{
		InsulinPeakMinutes:    prefs.InsulinPeakMinutes,
		DIAMinutes:            profile.DIA * 60,
		CarbAbsorptionMinutes: prefs.CarbAbsorptionMinutes,
		Min5mCarbImpact:       prefs.Min5mCarbImpact,
	}
}

// ActivityRemaining returns the fraction of a dose still active after the
// given minutes, using an exponential activity curve peaking at
// InsulinPeakMinutes and ending at DIA.
func (c *Calculator) ActivityRemaining(minutesSince float64) float64 {
	if minutesSince <= 0 {
		return 1.0
	}
	if minutesSince >= c.DIAMinutes {
		return 0.0
	}

	peak := c.InsulinPeakMinutes
	dia := c.DIAMinutes

	tau := peak * (1 - peak/dia)
	if tau <= 0 {
		tau = peak * 0.75
	}

	a := 2 * tau / dia
	s := 1 / (1 - a + (1+a)*math.Exp(-dia/tau))

	remaining := 1 - s*(1-(1+minutesSince/tau)*math.Exp(-minutesSince/tau))
	return math.Max(0, math.Min(1, remaining))
}

// Compute returns the full IOB breakdown at the given time. Bolus IOB comes
// from bolus events; basal IOB from temp basal deliveries relative to the
// scheduled rate, discretized into five-minute micro-doses.
func (c *Calculator) Compute(events []models.PumpEvent, profile models.Profile, now time.Time) models.IOBResult {
	result := models.IOBResult{ComputedAt: now}

	sorted := make([]models.PumpEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	for i := range sorted {
		e := &sorted[i]
		if e.HasInsulin() {
			minutesSince := now.Sub(e.Time()).Minutes()
			if minutesSince < 0 || minutesSince > c.DIAMinutes {
				continue
			}
			remaining := c.ActivityRemaining(minutesSince)
			result.BolusIOB += e.Insulin * remaining
			result.BolusInsulin += e.Insulin
			result.Activity += e.Insulin * c.activitySlice(minutesSince)
			t := e.Time()
			result.LastBolusTime = &t
		}

		if e.IsTempBasal() {
			end := c.tempBasalEnd(sorted, i, now)
			c.addTempBasal(e, end, profile, now, &result)
			tb := models.TempBasal{
				Rate:            e.Rate,
				DurationMinutes: int(e.Duration),
				StartedAt:       e.Time(),
			}
			result.LastTempBasal = &tb
		}
	}

	result.IOB = round2(result.BolusIOB + result.BasalIOB)
	result.BolusIOB = round2(result.BolusIOB)
	result.BasalIOB = round2(result.BasalIOB)
	result.NetBasalInsulin = round2(result.NetBasalInsulin)
	result.BolusInsulin = round2(result.BolusInsulin)
	result.Activity = round4(result.Activity)
	return result
}

// tempBasalEnd returns when the temp basal at index i stopped delivering:
// its scheduled end, the start of the next temp event, or now.
func (c *Calculator) tempBasalEnd(sorted []models.PumpEvent, i int, now time.Time) time.Time {
	e := &sorted[i]
	end := e.Time().Add(time.Duration(e.Duration) * time.Minute)
	for j := i + 1; j < len(sorted); j++ {
		if sorted[j].IsTempBasal() {
			if sorted[j].Time().Before(end) {
				end = sorted[j].Time()
			}
			break
		}
	}
	if end.After(now) {
		end = now
	}
	return end
}

// addTempBasal accumulates net basal insulin for one temp basal run as a
// series of five-minute micro-doses at the net rate above/below schedule.
func (c *Calculator) addTempBasal(e *models.PumpEvent, end time.Time, profile models.Profile, now time.Time, result *models.IOBResult) {
	if e.EventType == models.PumpEventTypes.CancelTemp {
		return
	}
	const sliceMinutes = 5.0
	for t := e.Time(); t.Before(end); t = t.Add(sliceMinutes * time.Minute) {
		sliceEnd := t.Add(sliceMinutes * time.Minute)
		if sliceEnd.After(end) {
			sliceEnd = end
		}
		minutes := sliceEnd.Sub(t).Minutes()
		netRate := e.Rate - profile.BasalSchedule.ValueAt(t)
		units := netRate * minutes / 60

		mid := t.Add(time.Duration(minutes / 2 * float64(time.Minute)))
		minutesSince := now.Sub(mid).Minutes()
		if minutesSince < 0 || minutesSince > c.DIAMinutes {
			continue
		}
		result.BasalIOB += units * c.ActivityRemaining(minutesSince)
		result.NetBasalInsulin += units
		result.Activity += units * c.activitySlice(minutesSince)
	}
}

// activitySlice approximates the fraction of a dose consumed in the five
// minutes following minutesSince.
func (c *Calculator) activitySlice(minutesSince float64) float64 {
	return c.ActivityRemaining(minutesSince) - c.ActivityRemaining(minutesSince+5)
}

// CarbsAbsorbed returns grams absorbed from a carb entry after the given
// minutes. Large meals absorb slower, snacks faster, with a minimum
// absorption floor so COB always decays.
func (c *Calculator) CarbsAbsorbed(totalCarbs, minutesSince float64, csf float64) float64 {
	if minutesSince <= 0 {
		return 0
	}

	absorptionTime := c.CarbAbsorptionMinutes
	if totalCarbs > 60 {
		absorptionTime *= 1.3
	} else if totalCarbs < 20 {
		absorptionTime *= 0.7
	}

	if minutesSince >= absorptionTime {
		return totalCarbs
	}

	// Fast-then-slow logistic absorption, peak rate ~35% in.
	progress := minutesSince / absorptionTime
	k := 8.0
	center := 0.35
	absorbed := totalCarbs / (1 + math.Exp(-k*(progress-center)))

	if csf > 0 {
		minAbsorbed := (minutesSince / 5) * (c.Min5mCarbImpact / csf)
		absorbed = math.Max(absorbed, minAbsorbed)
	}
	return math.Min(absorbed, totalCarbs)
}

// COB returns the grams of carbs still on board at the given time.
func (c *Calculator) COB(events []models.PumpEvent, profile models.Profile, now time.Time) float64 {
	isf := profile.ISFSchedule.ValueAt(now)
	cr := profile.CarbRatioSchedule.ValueAt(now)
	var csf float64
	if cr > 0 {
		csf = isf / cr
	}

	var cob float64
	for i := range events {
		e := &events[i]
		if !e.HasCarbs() {
			continue
		}
		minutesSince := now.Sub(e.Time()).Minutes()
		if minutesSince < 0 {
			continue
		}
		remaining := e.Carbs - c.CarbsAbsorbed(e.Carbs, minutesSince, csf)
		if remaining > 0 {
			cob += remaining
		}
	}
	return math.Round(cob*10) / 10
}

// ExpectedDelta returns the expected glucose change between two times given
// logged insulin and carb activity. Used by autosens to measure deviations.
func (c *Calculator) ExpectedDelta(from, to time.Time, events []models.PumpEvent, profile models.Profile) float64 {
	isf := profile.ISFSchedule.ValueAt(from)
	cr := profile.CarbRatioSchedule.ValueAt(from)
	var csf float64
	if cr > 0 {
		csf = isf / cr
	}

	var insulinEffect, carbEffect float64
	for i := range events {
		e := &events[i]
		if e.HasInsulin() {
			activityFrom := c.ActivityRemaining(from.Sub(e.Time()).Minutes())
			activityTo := c.ActivityRemaining(to.Sub(e.Time()).Minutes())
			used := activityFrom - activityTo
			if used > 0 {
				insulinEffect -= e.Insulin * used * isf
			}
		}
		if e.HasCarbs() && csf > 0 {
			absorbedFrom := c.CarbsAbsorbed(e.Carbs, from.Sub(e.Time()).Minutes(), csf)
			absorbedTo := c.CarbsAbsorbed(e.Carbs, to.Sub(e.Time()).Minutes(), csf)
			window := absorbedTo - absorbedFrom
			if window > 0 {
				carbEffect += window * csf
			}
		}
	}
	return insulinEffect + carbEffect
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
