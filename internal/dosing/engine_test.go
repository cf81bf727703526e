package dosing

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
)

// panicAlgorithm stands in for a broken decision function.
type panicAlgorithm struct{}

func (panicAlgorithm) Version() string { return "panic/0" }
func (panicAlgorithm) DetermineBasal(AlgorithmInputs) (models.Recommendation, error) {
	panic("index out of range")
}

func flatHistory(bg float64, now time.Time) []models.GlucoseReading {
	var out []models.GlucoseReading
	for m := 45; m >= 0; m -= 5 {
		out = append(out, models.GlucoseReading{
			Date: now.Add(-time.Duration(m) * time.Minute).UnixMilli(),
			SGV:  bg,
		})
	}
	return out
}

func testInputs(bg float64, now time.Time) models.CycleInputs {
	return models.CycleInputs{
		GlucoseHistory: flatHistory(bg, now),
		Clock:          now,
		ReservoirUnits: 150,
	}
}

func TestDecideRecoversFromAlgorithmPanic(t *testing.T) {
	e := NewEngine(panicAlgorithm{}, logger.Nop())
	now := time.Now()

	_, err := e.Decide(testInputs(120, now), models.DefaultProfile(), models.DefaultPreferences(), models.AutosensResult{Ratio: 1.0})
	if err == nil {
		t.Fatal("expected error from panicking algorithm")
	}
	var algErr *AlgorithmError
	if !errors.As(err, &algErr) {
		t.Fatalf("error type = %T, want *AlgorithmError", err)
	}
}

func TestDecideLowGlucoseSetsZeroTemp(t *testing.T) {
	e := NewEngine(NewOrefAlgorithm(), logger.Nop())
	now := time.Now()

	rec, err := e.Decide(testInputs(60, now), models.DefaultProfile(), models.DefaultPreferences(), models.AutosensResult{Ratio: 1.0})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if rec.Rate == nil {
		t.Fatal("expected a temp basal recommendation")
	}
	if *rec.Rate != 0 {
		t.Errorf("rate = %v, want 0 for predicted low", *rec.Rate)
	}
	if rec.Duration == nil || *rec.Duration != 30 {
		t.Errorf("duration = %v, want 30", rec.Duration)
	}
	if rec.Units != nil {
		t.Error("low glucose must never produce a bolus")
	}
}

func TestDecideHighGlucoseWithCOBGivesMicrobolus(t *testing.T) {
	e := NewEngine(NewOrefAlgorithm(), logger.Nop())
	now := time.Now()

	inputs := testInputs(180, now)
	inputs.COB = 30
	inputs.PumpHistory = []models.PumpEvent{
		{EventType: models.PumpEventTypes.CarbCorrection, Date: now.Add(-20 * time.Minute).UnixMilli(), Carbs: 30},
	}

	rec, err := e.Decide(inputs, models.DefaultProfile(), models.DefaultPreferences(), models.AutosensResult{Ratio: 1.0})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if rec.Units == nil {
		t.Fatalf("expected a microbolus, got %q", rec.Reason)
	}
	if *rec.Units <= 0 {
		t.Errorf("units = %v, want positive", *rec.Units)
	}
	// Half of the insulin requirement, per the delivery ratio.
	want := rec.InsulinReq * 0.5
	if math.Abs(*rec.Units-want) > 0.011 {
		t.Errorf("units = %v, want about %v", *rec.Units, want)
	}
}

func TestDecideHighGlucoseWithoutSMBGivesHighTemp(t *testing.T) {
	e := NewEngine(NewOrefAlgorithm(), logger.Nop())
	now := time.Now()
	prefs := models.DefaultPreferences()
	prefs.SMBEnabled = false

	rec, err := e.Decide(testInputs(250, now), models.DefaultProfile(), prefs, models.AutosensResult{Ratio: 1.0})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if rec.Units != nil {
		t.Fatal("SMB disabled but a bolus was recommended")
	}
	if rec.Rate == nil {
		t.Fatalf("expected a high temp, got %q", rec.Reason)
	}
	if *rec.Rate <= 1.0 {
		t.Errorf("rate = %v, want above scheduled basal", *rec.Rate)
	}
	// Never beyond four times basal.
	if *rec.Rate > 4.0 {
		t.Errorf("rate = %v, want capped at 4x basal", *rec.Rate)
	}
}

func TestDecideHighTempTargetDisablesSMB(t *testing.T) {
	e := NewEngine(NewOrefAlgorithm(), logger.Nop())
	now := time.Now()

	inputs := testInputs(180, now)
	inputs.COB = 30
	inputs.PumpHistory = []models.PumpEvent{
		{EventType: models.PumpEventTypes.CarbCorrection, Date: now.Add(-20 * time.Minute).UnixMilli(), Carbs: 30},
	}
	inputs.ActiveTempTarget = &models.TempTarget{
		Top: 140, Bottom: 140, StartedAt: now.Add(-10 * time.Minute), DurationMinutes: 60,
	}

	rec, err := e.Decide(inputs, models.DefaultProfile(), models.DefaultPreferences(), models.AutosensResult{Ratio: 1.0})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if rec.Units != nil {
		t.Error("high temp target must disable microbolusing")
	}
	if rec.CurrentTarget != 140 {
		t.Errorf("CurrentTarget = %v, want 140", rec.CurrentTarget)
	}
}

func TestDecideStampsMetadata(t *testing.T) {
	e := NewEngine(NewOrefAlgorithm(), logger.Nop())
	now := time.Now()

	rec, err := e.Decide(testInputs(120, now), models.DefaultProfile(), models.DefaultPreferences(), models.AutosensResult{Ratio: 1.1})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if rec.SensitivityRatio != 1.1 {
		t.Errorf("SensitivityRatio = %v, want 1.1", rec.SensitivityRatio)
	}
	if rec.AlgorithmVersion != "oref-go/1.0" {
		t.Errorf("AlgorithmVersion = %q", rec.AlgorithmVersion)
	}
	if !rec.DeliverAt.Equal(now) {
		t.Errorf("DeliverAt = %v, want %v", rec.DeliverAt, now)
	}
	if rec.Predictions == nil || len(rec.Predictions.IOB) == 0 {
		t.Error("expected prediction curves")
	}
}

func TestDetermineBasalRejectsBadInputs(t *testing.T) {
	alg := NewOrefAlgorithm()

	_, err := alg.DetermineBasal(AlgorithmInputs{
		GlucoseStatus: models.GlucoseStatus{Glucose: 38},
		Profile:       models.DefaultProfile(),
		AutosensRatio: 1.0,
	})
	if err == nil {
		t.Error("expected error for unreliable CGM reading")
	}

	_, err = alg.DetermineBasal(AlgorithmInputs{
		GlucoseStatus: models.GlucoseStatus{Glucose: 120},
		Profile:       models.DefaultProfile(),
		AutosensRatio: 0,
	})
	if err == nil {
		t.Error("expected error for zero autosens ratio")
	}
}

func TestSMBAllowedGates(t *testing.T) {
	prefs := models.DefaultPreferences()
	now := time.Now()

	allowed, _ := smbAllowed(prefs, MealData{COB: 20}, 150, 100, false, nil, nil, now)
	if !allowed {
		t.Error("expected SMB allowed with COB on board")
	}

	disabled := prefs
	disabled.SMBEnabled = false
	allowed, reason := smbAllowed(disabled, MealData{COB: 20}, 150, 100, false, nil, nil, now)
	if allowed {
		t.Errorf("expected SMB disabled by preference, got %q", reason)
	}

	override := &models.Override{Name: "exercise", SMBDisabled: true}
	allowed, _ = smbAllowed(prefs, MealData{COB: 20}, 150, 100, false, override, nil, now)
	if allowed {
		t.Error("expected SMB disabled by override")
	}

	allowed, _ = smbAllowed(prefs, MealData{COB: 20}, 150, 140, true, nil, nil, now)
	if allowed {
		t.Error("expected SMB disabled for high temp target")
	}

	allowed, _ = smbAllowed(prefs, MealData{COB: 20}, models.SensorMax, 100, false, nil, nil, now)
	if allowed {
		t.Error("expected SMB disabled at sensor max")
	}

	recent := now.Add(-time.Minute)
	allowed, _ = smbAllowed(prefs, MealData{COB: 20}, 150, 100, false, nil, &recent, now)
	if allowed {
		t.Error("expected SMB disabled inside the minimum interval")
	}

	old := now.Add(-10 * time.Minute)
	allowed, _ = smbAllowed(prefs, MealData{COB: 20}, 150, 100, false, nil, &old, now)
	if !allowed {
		t.Error("expected SMB allowed outside the minimum interval")
	}
}

func TestSMBScheduledOffWindow(t *testing.T) {
	prefs := models.DefaultPreferences()
	prefs.SMBOffStartMinutes = 23 * 60 // 23:00
	prefs.SMBOffEndMinutes = 7 * 60    // 07:00, wraps past midnight

	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 14, hour, min, 0, 0, time.UTC)
	}

	allowed, reason := smbAllowed(prefs, MealData{COB: 20}, 150, 100, false, nil, nil, at(2, 30))
	if allowed {
		t.Errorf("expected SMB off inside the window, got %q", reason)
	}
	allowed, _ = smbAllowed(prefs, MealData{COB: 20}, 150, 100, false, nil, nil, at(23, 0))
	if allowed {
		t.Error("expected SMB off at window start")
	}
	allowed, _ = smbAllowed(prefs, MealData{COB: 20}, 150, 100, false, nil, nil, at(7, 0))
	if !allowed {
		t.Error("expected SMB allowed at window end")
	}
	allowed, _ = smbAllowed(prefs, MealData{COB: 20}, 150, 100, false, nil, nil, at(12, 0))
	if !allowed {
		t.Error("expected SMB allowed outside the window")
	}

	// Equal start and end disables the window entirely.
	prefs.SMBOffStartMinutes = 0
	prefs.SMBOffEndMinutes = 0
	allowed, _ = smbAllowed(prefs, MealData{COB: 20}, 150, 100, false, nil, nil, at(0, 0))
	if !allowed {
		t.Error("expected no window when start equals end")
	}
}

func TestGlucoseStatusFromDeltas(t *testing.T) {
	now := time.Now()
	history := []models.GlucoseReading{
		{Date: now.Add(-10 * time.Minute).UnixMilli(), SGV: 114},
		{Date: now.Add(-5 * time.Minute).UnixMilli(), SGV: 120},
		{Date: now.UnixMilli(), SGV: 126},
	}

	status, err := GlucoseStatusFrom(history, now)
	if err != nil {
		t.Fatalf("GlucoseStatusFrom: %v", err)
	}
	if status.Glucose != 126 {
		t.Errorf("Glucose = %v, want 126", status.Glucose)
	}
	if math.Abs(status.Delta-6) > 0.5 {
		t.Errorf("Delta = %v, want about 6", status.Delta)
	}
	if status.ShortAvgDelta <= 0 {
		t.Errorf("ShortAvgDelta = %v, want positive", status.ShortAvgDelta)
	}
}

func TestGlucoseStatusFromEmptyHistory(t *testing.T) {
	if _, err := GlucoseStatusFrom(nil, time.Now()); err == nil {
		t.Error("expected error for empty history")
	}
}
