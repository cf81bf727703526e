// Package pump dispatches validated commands to insulin pump hardware and
// classifies delivery outcomes. The driver interface isolates the transport
// (BLE, simulator) from the dispatch logic.
package pump

import (
	"context"
	"time"

	"github.com/mrcode/aidloop/internal/models"
)

// Driver is the hardware-facing contract. Implementations must make
// ReadPumpStatus safe to call at any time, including while a command is in
// flight; the recovery path depends on it being idempotent.
type Driver interface {
	// SendTempBasal starts a temporary basal rate for the given duration.
	SendTempBasal(ctx context.Context, rate float64, duration time.Duration) error
	// SendBolus delivers an immediate bolus.
	SendBolus(ctx context.Context, units float64) error
	// CancelTempBasal stops any running temp basal, resuming scheduled basal.
	CancelTempBasal(ctx context.Context) error
	// ReadPumpStatus reports the pump's current state.
	ReadPumpStatus(ctx context.Context) (models.PumpStatus, error)
	// SupportedBasalIncrement is the smallest basal rate step in U/hr.
	SupportedBasalIncrement() float64
	// SupportedBolusIncrement is the smallest bolus step in units.
	SupportedBolusIncrement() float64
	// Close releases the transport.
	Close() error
}

// UncertainDeliveryError marks a command whose delivery state is unknown:
// the command may or may not have reached the pump. Callers must hand these
// to the recovery controller rather than retrying.
type UncertainDeliveryError struct {
	Command models.ValidatedCommand
	Cause   error
}

func (e *UncertainDeliveryError) Error() string {
	return "pump delivery uncertain for command " + e.Command.ID + ": " + e.Cause.Error()
}

func (e *UncertainDeliveryError) Unwrap() error { return e.Cause }
