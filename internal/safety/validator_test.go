package safety

import (
	"strings"
	"testing"
	"time"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
)

func testState() State {
	return State{
		BasalIncrement:    0.05,
		BolusIncrement:    0.05,
		DurationIncrement: 30,
		Now:               time.Now(),
	}
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestValidateBolusClampedToIOBHeadroom(t *testing.T) {
	v := NewValidator(logger.Nop())
	profile := models.DefaultProfile()
	prefs := models.DefaultPreferences()
	prefs.MaxIOB = 5.0

	rec := models.Recommendation{Units: floatPtr(0.6), DeliverAt: time.Now()}

	// IOB 4.8 leaves 0.2 of headroom; the 0.6 request must come out as
	// exactly 0.2 after clamping and increment rounding.
	cmd, rejection := v.Validate(rec, prefs, profile, 4.8, 0, testState())
	if rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}
	if cmd.Kind != models.CommandBolus {
		t.Fatalf("kind = %s, want bolus", cmd.Kind)
	}
	if cmd.Units != 0.2 {
		t.Errorf("units = %v, want 0.2", cmd.Units)
	}
	if len(cmd.ConstraintsApplied) == 0 {
		t.Error("expected clamp to be recorded in ConstraintsApplied")
	}
}

func TestValidateBolusRejectedAtIOBCeiling(t *testing.T) {
	v := NewValidator(logger.Nop())
	prefs := models.DefaultPreferences()
	prefs.MaxIOB = 5.0

	rec := models.Recommendation{Units: floatPtr(0.5), DeliverAt: time.Now()}
	_, rejection := v.Validate(rec, prefs, models.DefaultProfile(), 5.0, 0, testState())
	if rejection == nil || rejection.Code != RejectIOBCeiling {
		t.Fatalf("rejection = %v, want iobCeiling", rejection)
	}
}

func TestValidateBolusRoundsDownToIncrement(t *testing.T) {
	v := NewValidator(logger.Nop())
	rec := models.Recommendation{Units: floatPtr(0.37), DeliverAt: time.Now()}
	cmd, rejection := v.Validate(rec, models.DefaultPreferences(), models.DefaultProfile(), 0, 0, testState())
	if rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}
	if cmd.Units != 0.35 {
		t.Errorf("units = %v, want 0.35", cmd.Units)
	}
}

func TestValidateBasalClampedToMax(t *testing.T) {
	v := NewValidator(logger.Nop())
	profile := models.DefaultProfile()
	profile.MaxBasal = 4.0

	rec := models.Recommendation{Rate: floatPtr(6.5), Duration: intPtr(30), DeliverAt: time.Now()}
	cmd, rejection := v.Validate(rec, models.DefaultPreferences(), profile, 0, 0, testState())
	if rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}
	if cmd.Kind != models.CommandSetTempBasal {
		t.Fatalf("kind = %s, want setTempBasal", cmd.Kind)
	}
	if cmd.Rate != 4.0 {
		t.Errorf("rate = %v, want 4.0", cmd.Rate)
	}
	found := false
	for _, c := range cmd.ConstraintsApplied {
		if strings.Contains(c, "maxBasal") {
			found = true
		}
	}
	if !found {
		t.Error("expected maxBasal clamp in ConstraintsApplied")
	}
}

func TestValidateBasalIncreaseForcedDownAtIOBCeiling(t *testing.T) {
	v := NewValidator(logger.Nop())
	profile := models.DefaultProfile()
	prefs := models.DefaultPreferences()
	prefs.MaxIOB = 6.0

	// Scheduled basal is 1.0; with IOB already past maxIOB, a 4.0 U/hr
	// temp must come back at the scheduled rate, not pass through.
	rec := models.Recommendation{Rate: floatPtr(4.0), Duration: intPtr(30), DeliverAt: time.Now()}
	cmd, rejection := v.Validate(rec, prefs, profile, 8.0, 0, testState())
	if rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}
	if cmd.Kind != models.CommandSetTempBasal {
		t.Fatalf("kind = %s, want setTempBasal", cmd.Kind)
	}
	if cmd.Rate != 1.0 {
		t.Errorf("rate = %v, want scheduled basal 1.0", cmd.Rate)
	}
	found := false
	for _, c := range cmd.ConstraintsApplied {
		if strings.Contains(c, "maxIOB") {
			found = true
		}
	}
	if !found {
		t.Error("expected maxIOB constraint in ConstraintsApplied")
	}
}

func TestValidateLowTempUnaffectedByIOBCeiling(t *testing.T) {
	v := NewValidator(logger.Nop())
	prefs := models.DefaultPreferences()
	prefs.MaxIOB = 6.0

	// Rates at or below the scheduled basal only reduce insulin and must
	// pass even with IOB maxed out.
	rec := models.Recommendation{Rate: floatPtr(0.5), Duration: intPtr(30), DeliverAt: time.Now()}
	cmd, rejection := v.Validate(rec, prefs, models.DefaultProfile(), 8.0, 0, testState())
	if rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}
	if cmd.Rate != 0.5 {
		t.Errorf("rate = %v, want 0.5", cmd.Rate)
	}
}

func TestValidateDurationSnapsToGranularity(t *testing.T) {
	v := NewValidator(logger.Nop())
	rec := models.Recommendation{Rate: floatPtr(1.5), Duration: intPtr(45), DeliverAt: time.Now()}
	cmd, rejection := v.Validate(rec, models.DefaultPreferences(), models.DefaultProfile(), 0, 0, testState())
	if rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}
	if cmd.DurationMinutes != 30 {
		t.Errorf("duration = %d, want 30", cmd.DurationMinutes)
	}
}

func TestValidateStaleForcesCancel(t *testing.T) {
	v := NewValidator(logger.Nop())
	state := testState()
	state.Stale = true
	state.TempBasalActive = true

	rec := models.Recommendation{Rate: floatPtr(2.0), Duration: intPtr(30), DeliverAt: time.Now()}
	cmd, rejection := v.Validate(rec, models.DefaultPreferences(), models.DefaultProfile(), 0, 0, state)
	if rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}
	if cmd.Kind != models.CommandCancelTempBasal {
		t.Fatalf("kind = %s, want cancelTempBasal", cmd.Kind)
	}
}

func TestValidateStaleWithoutTempIsNoAction(t *testing.T) {
	v := NewValidator(logger.Nop())
	state := testState()
	state.Stale = true

	rec := models.Recommendation{Rate: floatPtr(2.0), Duration: intPtr(30), DeliverAt: time.Now()}
	_, rejection := v.Validate(rec, models.DefaultPreferences(), models.DefaultProfile(), 0, 0, state)
	if rejection == nil || rejection.Code != RejectNoAction {
		t.Fatalf("rejection = %v, want noAction", rejection)
	}
}

func TestValidateManualTempSuppressesAutomation(t *testing.T) {
	v := NewValidator(logger.Nop())
	state := testState()
	state.ManualTempBasalActive = true
	state.TempBasalActive = true

	rec := models.Recommendation{Rate: floatPtr(2.0), Duration: intPtr(30), DeliverAt: time.Now()}
	_, rejection := v.Validate(rec, models.DefaultPreferences(), models.DefaultProfile(), 0, 0, state)
	if rejection == nil || rejection.Code != RejectManualOverrideActive {
		t.Fatalf("rejection = %v, want manualOverrideActive", rejection)
	}
}

func TestValidateStaleNeverCancelsManualTemp(t *testing.T) {
	v := NewValidator(logger.Nop())
	state := testState()
	state.Stale = true
	state.ManualTempBasalActive = true
	state.TempBasalActive = true

	rec := models.Recommendation{Rate: floatPtr(2.0), Duration: intPtr(30), DeliverAt: time.Now()}
	cmd, rejection := v.Validate(rec, models.DefaultPreferences(), models.DefaultProfile(), 0, 0, state)
	if rejection == nil {
		t.Fatalf("expected rejection, got command %+v", cmd)
	}
	if rejection.Code != RejectManualOverrideActive {
		t.Errorf("code = %s, want manualOverrideActive", rejection.Code)
	}
}

func TestValidateNoActionRecommendation(t *testing.T) {
	v := NewValidator(logger.Nop())
	rec := models.Recommendation{Reason: "in range", DeliverAt: time.Now()}
	_, rejection := v.Validate(rec, models.DefaultPreferences(), models.DefaultProfile(), 0, 0, testState())
	if rejection == nil || rejection.Code != RejectNoAction {
		t.Fatalf("rejection = %v, want noAction", rejection)
	}
}

func TestValidateZeroTempIsCancel(t *testing.T) {
	v := NewValidator(logger.Nop())
	rec := models.Recommendation{Rate: floatPtr(0), Duration: intPtr(0), DeliverAt: time.Now()}
	cmd, rejection := v.Validate(rec, models.DefaultPreferences(), models.DefaultProfile(), 0, 0, testState())
	if rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}
	if cmd.Kind != models.CommandCancelTempBasal {
		t.Errorf("kind = %s, want cancelTempBasal", cmd.Kind)
	}
}

func TestValidateManualBolusRespectsCeilings(t *testing.T) {
	v := NewValidator(logger.Nop())
	profile := models.DefaultProfile()
	profile.MaxBolus = 10
	prefs := models.DefaultPreferences()
	prefs.MaxIOB = 6

	cmd, rejection := v.ValidateManual(models.CommandBolus, 0, 0, 12, profile, prefs, 0, testState())
	if rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}
	if cmd.Units != 6.0 {
		// 12 clamps to maxBolus 10, then to headroom 6.
		t.Errorf("units = %v, want 6.0", cmd.Units)
	}
	if !cmd.Manual {
		t.Error("expected Manual flag set")
	}
}

func TestRoundDownTo(t *testing.T) {
	cases := []struct {
		v, inc, want float64
	}{
		{0.2, 0.05, 0.2},
		{0.37, 0.05, 0.35},
		{0.1999999, 0.05, 0.15},
		{1.0, 0.05, 1.0},
		{0.04, 0.05, 0},
	}
	for _, c := range cases {
		if got := roundDownTo(c.v, c.inc); got != c.want {
			t.Errorf("roundDownTo(%v, %v) = %v, want %v", c.v, c.inc, got, c.want)
		}
	}
}
