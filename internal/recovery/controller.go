// Package recovery resolves uncertain pump deliveries. It only ever reads
// pump status: a delivery whose fate is unknown must never be retried, it
// must be observed until the pump's own state answers the question.
package recovery

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
	"github.com/mrcode/aidloop/internal/pump"
)

// Verdict is one poll's judgement of an uncertain command.
type Verdict int

const (
	// VerdictUnknown means the status did not answer either way.
	VerdictUnknown Verdict = iota
	// VerdictDelivered means the pump state shows the command took effect.
	VerdictDelivered
	// VerdictNotDelivered means the pump state shows it did not.
	VerdictNotDelivered
)

func (v Verdict) String() string {
	switch v {
	case VerdictDelivered:
		return "delivered"
	case VerdictNotDelivered:
		return "notDelivered"
	default:
		return "unknown"
	}
}

// Resolution is the terminal outcome of a recovery attempt.
type Resolution struct {
	Command models.ValidatedCommand
	State   models.CommandState
	Polls   int
	Elapsed time.Duration
}

// Event is published whenever the uncertainty state changes.
type Event struct {
	Blocked    bool
	Command    *models.ValidatedCommand
	Resolution *Resolution
	At         time.Time
}

// Config bounds the polling schedule.
type Config struct {
	PollInitial  time.Duration // first retry delay
	PollMax      time.Duration // backoff ceiling
	Window       time.Duration // give up after this long
	ConfirmPolls int           // consecutive agreeing polls needed
}

// Controller owns the uncertain-delivery state machine. While a command is
// unresolved, Blocked reports true and the loop must not dispatch automatic
// dosing commands. Monitoring and aggregation continue regardless.
type Controller struct {
	driver pump.Driver
	log    *logger.Logger
	cfg    Config
	now    func() time.Time

	mu        sync.Mutex
	active    *models.ValidatedCommand
	baseline  *models.PumpStatus
	blocked   bool
	unack     bool // window exhausted, waiting for user acknowledgement
	lastRes   *Resolution
	cancel    context.CancelFunc

	events chan Event
}

// NewController wires a controller over the given driver.
func NewController(driver pump.Driver, log *logger.Logger, cfg Config) *Controller {
	if cfg.ConfirmPolls <= 0 {
		cfg.ConfirmPolls = 3
	}
	return &Controller{
		driver: driver,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
		events: make(chan Event, 8),
	}
}

// Events delivers uncertainty state changes. Slow consumers lose the oldest
// event, never the newest.
func (c *Controller) Events() <-chan Event { return c.events }

// Blocked reports whether automatic dosing is currently suspended.
func (c *Controller) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// LastResolution returns the most recent terminal outcome, if any.
func (c *Controller) LastResolution() *Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRes
}

// Begin starts resolving an uncertain command. The baseline is the pump
// status read before the command was dispatched, used to judge bolus
// delivery by reservoir delta. Begin is a no-op if a recovery is already
// running; two uncertain commands cannot coexist because dosing is blocked
// from the first one onward.
func (c *Controller) Begin(ctx context.Context, cmd models.ValidatedCommand, baseline *models.PumpStatus) {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		c.log.Warn("recovery already in progress, ignoring", "command", cmd.ID)
		return
	}
	cmdCopy := cmd
	c.active = &cmdCopy
	c.baseline = baseline
	c.blocked = true
	c.unack = false
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.publish(Event{Blocked: true, Command: &cmdCopy, At: c.now()})
	c.log.Warn("uncertain delivery, automatic dosing blocked",
		"command", cmd.ID, "kind", cmd.Kind)

	go c.run(runCtx, cmdCopy)
}

// Acknowledge clears the blocked state after the recovery window was
// exhausted without a resolution. It is the explicit human step: the user
// has checked the pump and accepts responsibility for the unknown dose.
func (c *Controller) Acknowledge() {
	c.mu.Lock()
	if !c.unack {
		c.mu.Unlock()
		return
	}
	c.unack = false
	c.blocked = false
	c.active = nil
	c.mu.Unlock()
	c.log.Info("uncertain delivery acknowledged, dosing unblocked")
	c.publish(Event{Blocked: false, At: c.now()})
}

// Stop cancels any in-flight recovery.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context, cmd models.ValidatedCommand) {
	start := c.now()
	delay := c.cfg.PollInitial
	polls := 0
	streak := 0
	var streakVerdict Verdict

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if c.now().Sub(start) > c.cfg.Window {
			c.exhaust(cmd, polls, c.now().Sub(start))
			return
		}

		polls++
		status, err := c.driver.ReadPumpStatus(ctx)
		if err != nil {
			c.log.Warn("recovery status poll failed", "command", cmd.ID, "poll", polls, "error", err)
			streak = 0
		} else {
			v := c.judge(cmd, status)
			if v == VerdictUnknown || v != streakVerdict {
				streak = 0
			}
			if v != VerdictUnknown {
				streakVerdict = v
				streak++
			}
			c.log.Debug("recovery poll", "command", cmd.ID, "poll", polls, "verdict", v, "streak", streak)
			if streak >= c.cfg.ConfirmPolls {
				c.resolve(cmd, streakVerdict, polls, c.now().Sub(start))
				return
			}
		}

		delay = time.Duration(math.Min(float64(delay)*2, float64(c.cfg.PollMax)))
	}
}

// judge compares one status read against the command's expected effect.
func (c *Controller) judge(cmd models.ValidatedCommand, status models.PumpStatus) Verdict {
	switch cmd.Kind {
	case models.CommandSetTempBasal:
		if status.TempBasal != nil && math.Abs(status.TempBasal.Rate-cmd.Rate) < 0.025 {
			return VerdictDelivered
		}
		return VerdictNotDelivered
	case models.CommandCancelTempBasal:
		if status.TempBasal == nil {
			return VerdictDelivered
		}
		return VerdictNotDelivered
	case models.CommandBolus:
		if c.baseline == nil {
			return VerdictUnknown
		}
		if status.Bolusing {
			// Still delivering, cannot judge yet.
			return VerdictUnknown
		}
		delta := c.baseline.ReservoirUnits - status.ReservoirUnits
		if delta >= cmd.Units-0.01 {
			return VerdictDelivered
		}
		return VerdictNotDelivered
	default:
		return VerdictUnknown
	}
}

func (c *Controller) resolve(cmd models.ValidatedCommand, v Verdict, polls int, elapsed time.Duration) {
	state := models.CommandResolvedFailed
	if v == VerdictDelivered {
		state = models.CommandResolvedSucceeded
	}
	res := &Resolution{Command: cmd, State: state, Polls: polls, Elapsed: elapsed}

	c.mu.Lock()
	c.active = nil
	c.baseline = nil
	c.blocked = false
	c.lastRes = res
	c.mu.Unlock()

	c.log.Info("uncertain delivery resolved",
		"command", cmd.ID, "state", state, "polls", polls, "elapsed", elapsed.Round(time.Second))
	c.publish(Event{Blocked: false, Resolution: res, At: c.now()})
}

// exhaust marks the recovery window spent. The block stays up until a human
// calls Acknowledge; the loop keeps monitoring but never doses.
func (c *Controller) exhaust(cmd models.ValidatedCommand, polls int, elapsed time.Duration) {
	res := &Resolution{Command: cmd, State: models.CommandUncertain, Polls: polls, Elapsed: elapsed}

	c.mu.Lock()
	c.unack = true
	c.lastRes = res
	c.mu.Unlock()

	c.log.Error("recovery window exhausted, manual check required",
		"command", cmd.ID, "polls", polls, "elapsed", elapsed.Round(time.Second))
	c.publish(Event{Blocked: true, Command: &cmd, Resolution: res, At: c.now()})
}

func (c *Controller) publish(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
			default:
			}
		}
	}
}
