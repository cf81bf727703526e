package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
	"github.com/mrcode/aidloop/internal/pump"
)

func fastConfig() Config {
	return Config{
		PollInitial:  5 * time.Millisecond,
		PollMax:      20 * time.Millisecond,
		Window:       2 * time.Second,
		ConfirmPolls: 3,
	}
}

func waitUnblocked(t *testing.T, c *Controller) *Resolution {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("recovery did not resolve in time")
		case ev := <-c.Events():
			if ev.Resolution != nil {
				return ev.Resolution
			}
		}
	}
}

func TestRecoveryConfirmsDeliveredTempBasal(t *testing.T) {
	driver := pump.NewSimDriver()
	// The pump acted on the command even though the ack was lost.
	if err := driver.SendTempBasal(context.Background(), 1.5, 30*time.Minute); err != nil {
		t.Fatalf("SendTempBasal: %v", err)
	}

	c := NewController(driver, logger.Nop(), fastConfig())
	cmd := models.ValidatedCommand{ID: "cmd-1", Kind: models.CommandSetTempBasal, Rate: 1.5, DurationMinutes: 30}
	c.Begin(context.Background(), cmd, nil)

	if !c.Blocked() {
		t.Fatal("expected dosing blocked while resolving")
	}

	res := waitUnblocked(t, c)
	if res.State != models.CommandResolvedSucceeded {
		t.Errorf("state = %s, want resolvedSucceeded", res.State)
	}
	if res.Polls < 3 {
		t.Errorf("polls = %d, want at least 3 confirming polls", res.Polls)
	}
	if c.Blocked() {
		t.Error("expected dosing unblocked after resolution")
	}
}

func TestRecoveryConfirmsUndeliveredTempBasal(t *testing.T) {
	driver := pump.NewSimDriver() // no temp running

	c := NewController(driver, logger.Nop(), fastConfig())
	cmd := models.ValidatedCommand{ID: "cmd-2", Kind: models.CommandSetTempBasal, Rate: 2.0, DurationMinutes: 30}
	c.Begin(context.Background(), cmd, nil)

	res := waitUnblocked(t, c)
	if res.State != models.CommandResolvedFailed {
		t.Errorf("state = %s, want resolvedFailed", res.State)
	}
	if c.Blocked() {
		t.Error("expected dosing unblocked after resolution")
	}
}

func TestRecoveryBolusJudgedByReservoirDelta(t *testing.T) {
	driver := pump.NewSimDriver()
	baseline, err := driver.ReadPumpStatus(context.Background())
	if err != nil {
		t.Fatalf("ReadPumpStatus: %v", err)
	}
	// The bolus went through before the ack was lost.
	if err := driver.SendBolus(context.Background(), 0.5); err != nil {
		t.Fatalf("SendBolus: %v", err)
	}

	c := NewController(driver, logger.Nop(), fastConfig())
	cmd := models.ValidatedCommand{ID: "cmd-3", Kind: models.CommandBolus, Units: 0.5}
	c.Begin(context.Background(), cmd, &baseline)

	res := waitUnblocked(t, c)
	if res.State != models.CommandResolvedSucceeded {
		t.Errorf("state = %s, want resolvedSucceeded", res.State)
	}
}

func TestRecoveryWindowExhaustionStaysBlockedUntilAcknowledged(t *testing.T) {
	driver := pump.NewSimDriver()
	cfg := fastConfig()
	cfg.Window = 30 * time.Millisecond

	c := NewController(driver, logger.Nop(), cfg)
	// A bolus without a baseline can never be judged, so the window runs out.
	cmd := models.ValidatedCommand{ID: "cmd-4", Kind: models.CommandBolus, Units: 1.0}
	c.Begin(context.Background(), cmd, nil)

	deadline := time.After(3 * time.Second)
	var res *Resolution
	for res == nil {
		select {
		case <-deadline:
			t.Fatal("window never exhausted")
		case ev := <-c.Events():
			res = ev.Resolution
		}
	}
	if res.State != models.CommandUncertain {
		t.Fatalf("state = %s, want uncertain after exhaustion", res.State)
	}
	if !c.Blocked() {
		t.Fatal("expected block to survive window exhaustion")
	}

	c.Acknowledge()
	if c.Blocked() {
		t.Error("expected Acknowledge to unblock dosing")
	}
}

func TestRecoveryIgnoresSecondBegin(t *testing.T) {
	driver := pump.NewSimDriver()
	cfg := fastConfig()
	cfg.Window = 50 * time.Millisecond

	c := NewController(driver, logger.Nop(), cfg)
	first := models.ValidatedCommand{ID: "cmd-5", Kind: models.CommandBolus, Units: 1.0}
	second := models.ValidatedCommand{ID: "cmd-6", Kind: models.CommandBolus, Units: 2.0}
	c.Begin(context.Background(), first, nil)
	c.Begin(context.Background(), second, nil)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("no resolution event")
		case ev := <-c.Events():
			if ev.Resolution != nil {
				if ev.Resolution.Command.ID != "cmd-5" {
					t.Errorf("resolved command = %s, want cmd-5", ev.Resolution.Command.ID)
				}
				return
			}
		}
	}
}

func TestAcknowledgeIsNoOpWhileResolving(t *testing.T) {
	driver := pump.NewSimDriver()
	cfg := fastConfig()
	cfg.Window = 10 * time.Second

	c := NewController(driver, logger.Nop(), cfg)
	cmd := models.ValidatedCommand{ID: "cmd-7", Kind: models.CommandBolus, Units: 1.0}
	c.Begin(context.Background(), cmd, nil)
	defer c.Stop()

	// Acknowledge only applies after window exhaustion; mid-recovery it
	// must not lift the block.
	c.Acknowledge()
	if !c.Blocked() {
		t.Error("Acknowledge lifted the block during active recovery")
	}
}
