package notifications

import (
	"strings"
	"testing"
	"time"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
	"github.com/mrcode/aidloop/internal/recovery"
)

type capturedAlert struct {
	title   string
	message string
}

func newTestManager(repeatAfter time.Duration) (*Manager, *[]capturedAlert) {
	m := NewManager(DefaultThresholds(), repeatAfter, logger.Nop())
	var sent []capturedAlert
	m.send = func(title, message, _ string) error {
		sent = append(sent, capturedAlert{title: title, message: message})
		return nil
	}
	return m, &sent
}

func failedRecord(reason string) *models.LoopCycleRecord {
	return &models.LoopCycleRecord{
		Glucose: 120,
		Outcome: models.CycleOutcome{Status: models.OutcomeFailed, Reason: reason},
	}
}

func TestLoopFailedAlertAfterThreeConsecutiveFailures(t *testing.T) {
	m, sent := newTestManager(time.Hour)

	m.CheckCycle(failedRecord("aggregation: no glucose"))
	m.CheckCycle(failedRecord("aggregation: no glucose"))
	if len(*sent) != 0 {
		t.Fatalf("alerted after %d failures", 2)
	}

	m.CheckCycle(failedRecord("aggregation: no glucose"))
	if len(*sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(*sent))
	}
	if !strings.Contains((*sent)[0].message, "3 consecutive") {
		t.Errorf("message = %q", (*sent)[0].message)
	}
}

func TestSuccessResetsFailStreak(t *testing.T) {
	m, sent := newTestManager(time.Hour)

	m.CheckCycle(failedRecord("x"))
	m.CheckCycle(failedRecord("x"))
	m.CheckCycle(&models.LoopCycleRecord{
		Glucose: 120,
		Outcome: models.CycleOutcome{Status: models.OutcomeSucceeded},
	})
	m.CheckCycle(failedRecord("x"))
	m.CheckCycle(failedRecord("x"))

	if len(*sent) != 0 {
		t.Errorf("alerted despite streak reset, sent = %d", len(*sent))
	}
	if m.failStreak != 2 {
		t.Errorf("failStreak = %d, want 2", m.failStreak)
	}
}

func TestGlucoseThresholdAlerts(t *testing.T) {
	cases := []struct {
		bg    float64
		title string
	}{
		{50, "URGENT LOW"},
		{65, "Low Glucose"},
		{260, "URGENT HIGH"},
	}
	for _, tc := range cases {
		m, sent := newTestManager(time.Hour)
		m.CheckCycle(&models.LoopCycleRecord{
			Glucose: tc.bg,
			Outcome: models.CycleOutcome{Status: models.OutcomeSucceeded},
		})
		if len(*sent) != 1 {
			t.Errorf("bg %.0f: sent = %d, want 1", tc.bg, len(*sent))
			continue
		}
		if !strings.Contains((*sent)[0].title, tc.title) {
			t.Errorf("bg %.0f: title = %q, want %q", tc.bg, (*sent)[0].title, tc.title)
		}
	}
}

func TestInRangeGlucoseStaysSilent(t *testing.T) {
	m, sent := newTestManager(time.Hour)
	m.CheckCycle(&models.LoopCycleRecord{
		Glucose: 120,
		Outcome: models.CycleOutcome{Status: models.OutcomeSucceeded},
	})
	if len(*sent) != 0 {
		t.Errorf("alerted for in-range glucose")
	}
}

func TestRepeatSuppression(t *testing.T) {
	m, sent := newTestManager(time.Hour)
	low := &models.LoopCycleRecord{
		Glucose: 60,
		Outcome: models.CycleOutcome{Status: models.OutcomeSucceeded},
	}

	m.CheckCycle(low)
	m.CheckCycle(low)
	m.CheckCycle(low)
	if len(*sent) != 1 {
		t.Errorf("sent = %d, repeats not suppressed", len(*sent))
	}

	m.ClearAlertState(alertLow)
	m.CheckCycle(low)
	if len(*sent) != 2 {
		t.Errorf("sent = %d after clearing alert state, want 2", len(*sent))
	}
}

func TestRepeatAllowedAfterWindow(t *testing.T) {
	m, sent := newTestManager(10 * time.Millisecond)
	low := &models.LoopCycleRecord{
		Glucose: 60,
		Outcome: models.CycleOutcome{Status: models.OutcomeSucceeded},
	}

	m.CheckCycle(low)
	time.Sleep(20 * time.Millisecond)
	m.CheckCycle(low)
	if len(*sent) != 2 {
		t.Errorf("sent = %d, want repeat after window", len(*sent))
	}
}

func TestRecoveryEventAlerts(t *testing.T) {
	m, sent := newTestManager(time.Hour)
	cmd := &models.ValidatedCommand{ID: "c1", Kind: models.CommandBolus, Units: 0.5}

	m.CheckRecovery(recovery.Event{Blocked: true, Command: cmd, At: time.Now()})
	if len(*sent) != 1 || !strings.Contains((*sent)[0].title, "Uncertain Delivery") {
		t.Fatalf("pause alert missing, sent = %v", *sent)
	}

	m.ClearAlertState("")
	m.CheckRecovery(recovery.Event{
		Blocked:    false,
		Resolution: &recovery.Resolution{Command: *cmd, State: models.CommandResolvedSucceeded},
		At:         time.Now(),
	})
	if len(*sent) != 2 || !strings.Contains((*sent)[1].title, "Resolved") {
		t.Fatalf("resolve alert missing, sent = %v", *sent)
	}

	m.CheckRecovery(recovery.Event{
		Blocked:    true,
		Resolution: &recovery.Resolution{Command: *cmd, State: models.CommandUncertain},
		At:         time.Now(),
	})
	if len(*sent) != 3 || !strings.Contains((*sent)[2].title, "CHECK PUMP") {
		t.Fatalf("exhaustion alert missing, sent = %v", *sent)
	}
}

func TestFailedSendDoesNotStartSuppressionWindow(t *testing.T) {
	m, sent := newTestManager(time.Hour)
	calls := 0
	inner := m.send
	m.send = func(title, message, icon string) error {
		calls++
		if calls == 1 {
			return errDeliveryFailed
		}
		return inner(title, message, icon)
	}
	low := &models.LoopCycleRecord{
		Glucose: 60,
		Outcome: models.CycleOutcome{Status: models.OutcomeSucceeded},
	}

	m.CheckCycle(low)
	if len(*sent) != 0 {
		t.Fatal("capture recorded a failed send")
	}
	// Delivery failed, so the next occurrence must retry.
	m.CheckCycle(low)
	if len(*sent) != 1 {
		t.Errorf("sent = %d, want retry after failed delivery", len(*sent))
	}
}

var errDeliveryFailed = errTest("notification backend unavailable")

type errTest string

func (e errTest) Error() string { return string(e) }
