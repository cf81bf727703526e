package pump

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
)

// Preflight failures. These abort dispatch before anything is sent, so they
// are always certain outcomes.
var (
	ErrPumpBolusing   = errors.New("pump is currently bolusing")
	ErrPumpSuspended  = errors.New("pump is suspended")
	ErrReservoirEmpty = errors.New("pump reservoir is empty")
	ErrExpired        = errors.New("command expired before dispatch")
)

// Result is the classified outcome of a dispatch attempt.
type Result struct {
	Command models.ValidatedCommand
	State   models.CommandState
	Err     error
	SentAt  time.Time
}

// Dispatcher sends validated commands through a driver, enforcing the
// preflight status check and the command expiry window, and classifying
// failures as certain or uncertain.
type Dispatcher struct {
	driver     Driver
	log        *logger.Logger
	ackTimeout time.Duration
	expiry     time.Duration
	now        func() time.Time
}

// NewDispatcher wires a dispatcher over the given driver. ackTimeout bounds
// how long a single command send may take before its outcome is treated as
// uncertain; expiry bounds how old a command's DeliverAt may be.
func NewDispatcher(driver Driver, log *logger.Logger, ackTimeout, expiry time.Duration) *Dispatcher {
	return &Dispatcher{
		driver:     driver,
		log:        log,
		ackTimeout: ackTimeout,
		expiry:     expiry,
		now:        time.Now,
	}
}

// Driver exposes the underlying driver for status reads.
func (d *Dispatcher) Driver() Driver { return d.driver }

// Dispatch performs the preflight check and sends the command. A nil
// Result.Err means the pump acknowledged. A *UncertainDeliveryError in
// Result.Err means the delivery state is unknown and recovery must take over.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd models.ValidatedCommand) Result {
	res := Result{Command: cmd, SentAt: d.now()}

	if d.expiry > 0 && !cmd.DeliverAt.IsZero() && d.now().Sub(cmd.DeliverAt) > d.expiry {
		res.State = models.CommandFailed
		res.Err = fmt.Errorf("%w: computed %s ago", ErrExpired, d.now().Sub(cmd.DeliverAt).Round(time.Second))
		return res
	}

	if err := d.verifyStatus(ctx, cmd); err != nil {
		res.State = models.CommandFailed
		res.Err = err
		return res
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.ackTimeout)
	defer cancel()

	var err error
	switch cmd.Kind {
	case models.CommandSetTempBasal:
		d.log.Info("sending temp basal", "rate", cmd.Rate, "duration", cmd.DurationMinutes, "command", cmd.ID)
		err = d.driver.SendTempBasal(sendCtx, cmd.Rate, time.Duration(cmd.DurationMinutes)*time.Minute)
	case models.CommandBolus:
		d.log.Info("sending bolus", "units", cmd.Units, "command", cmd.ID)
		err = d.driver.SendBolus(sendCtx, cmd.Units)
	case models.CommandCancelTempBasal:
		d.log.Info("cancelling temp basal", "command", cmd.ID)
		err = d.driver.CancelTempBasal(sendCtx)
	default:
		res.State = models.CommandFailed
		res.Err = fmt.Errorf("unknown command kind %q", cmd.Kind)
		return res
	}

	if err == nil {
		res.State = models.CommandAcknowledged
		return res
	}

	// A timeout or cancellation after the command left the radio means we
	// cannot know whether the pump acted on it. A definite transport error
	// before any acknowledgement is a plain failure.
	var certain *CertainError
	switch {
	case errors.As(err, &certain):
		res.State = models.CommandFailed
		res.Err = certain.Unwrap()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		res.State = models.CommandUncertain
		res.Err = &UncertainDeliveryError{Command: cmd, Cause: err}
	default:
		res.State = models.CommandUncertain
		res.Err = &UncertainDeliveryError{Command: cmd, Cause: err}
	}
	return res
}

// verifyStatus refuses commands the pump cannot safely take right now.
// Cancelling a temp basal is allowed even while suspended.
func (d *Dispatcher) verifyStatus(ctx context.Context, cmd models.ValidatedCommand) error {
	status, err := d.driver.ReadPumpStatus(ctx)
	if err != nil {
		return fmt.Errorf("preflight status read: %w", err)
	}
	if status.Bolusing {
		return ErrPumpBolusing
	}
	if status.Suspended && cmd.Kind != models.CommandCancelTempBasal {
		return ErrPumpSuspended
	}
	if status.ReservoirUnits <= 0 && cmd.Kind == models.CommandBolus {
		return ErrReservoirEmpty
	}
	return nil
}

// CertainError wraps a driver error whose failure is known to have happened
// before the pump could act, so dispatch may classify it as a plain failure
// instead of an uncertain delivery.
type CertainError struct {
	Err error
}

func (e *CertainError) Error() string { return e.Err.Error() }
func (e *CertainError) Unwrap() error { return e.Err }
