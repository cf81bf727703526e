package pump

import (
	"context"
	"sync"
	"time"

	"github.com/mrcode/aidloop/internal/models"
)

// SimDriver is an in-memory pump used by the simulate command and the test
// suite. It tracks reservoir volume and the active temp basal, and supports
// failure injection per call site.
type SimDriver struct {
	mu sync.Mutex

	reservoir float64
	battery   int
	suspended bool
	bolusing  bool
	temp      *models.TempBasal

	// Failure injection hooks. When set, the next matching call returns the
	// error (or swallows the command without acknowledging for uncertain
	// behavior) and clears the hook.
	FailNextSend   error
	FailNextStatus error
	// DropNextSend makes the next send apply the command but return
	// context.DeadlineExceeded, modeling a lost acknowledgement.
	DropNextSend bool

	now func() time.Time
}

// NewSimDriver returns a simulator with a full reservoir.
func NewSimDriver() *SimDriver {
	return &SimDriver{
		reservoir: 200,
		battery:   100,
		now:       time.Now,
	}
}

func (s *SimDriver) SendTempBasal(ctx context.Context, rate float64, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectSend(); err != nil {
		return err
	}
	drop := s.DropNextSend
	s.DropNextSend = false
	s.temp = &models.TempBasal{
		Rate:            rate,
		DurationMinutes: int(duration.Minutes()),
		StartedAt:       s.now(),
	}
	if drop {
		return context.DeadlineExceeded
	}
	return nil
}

func (s *SimDriver) SendBolus(ctx context.Context, units float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectSend(); err != nil {
		return err
	}
	drop := s.DropNextSend
	s.DropNextSend = false
	s.reservoir -= units
	if s.reservoir < 0 {
		s.reservoir = 0
	}
	if drop {
		return context.DeadlineExceeded
	}
	return nil
}

func (s *SimDriver) CancelTempBasal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectSend(); err != nil {
		return err
	}
	drop := s.DropNextSend
	s.DropNextSend = false
	s.temp = nil
	if drop {
		return context.DeadlineExceeded
	}
	return nil
}

func (s *SimDriver) ReadPumpStatus(ctx context.Context) (models.PumpStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNextStatus != nil {
		err := s.FailNextStatus
		s.FailNextStatus = nil
		return models.PumpStatus{}, err
	}
	status := models.PumpStatus{
		Bolusing:       s.bolusing,
		Suspended:      s.suspended,
		ReservoirUnits: s.reservoir,
		BatteryPercent: s.battery,
		Timestamp:      s.now(),
	}
	if s.temp != nil && s.temp.Active(s.now()) {
		t := *s.temp
		status.TempBasal = &t
	}
	return status, nil
}

func (s *SimDriver) SupportedBasalIncrement() float64 { return 0.05 }
func (s *SimDriver) SupportedBolusIncrement() float64 { return 0.05 }
func (s *SimDriver) Close() error                     { return nil }

// SetSuspended toggles the suspended flag.
func (s *SimDriver) SetSuspended(v bool) {
	s.mu.Lock()
	s.suspended = v
	s.mu.Unlock()
}

// SetBolusing toggles the bolusing flag.
func (s *SimDriver) SetBolusing(v bool) {
	s.mu.Lock()
	s.bolusing = v
	s.mu.Unlock()
}

// SetReservoir sets the remaining reservoir volume.
func (s *SimDriver) SetReservoir(units float64) {
	s.mu.Lock()
	s.reservoir = units
	s.mu.Unlock()
}

// ActiveTemp reports the simulator's current temp basal, if any.
func (s *SimDriver) ActiveTemp() *models.TempBasal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.temp == nil {
		return nil
	}
	t := *s.temp
	return &t
}

func (s *SimDriver) injectSend() error {
	if s.FailNextSend != nil {
		err := s.FailNextSend
		s.FailNextSend = nil
		return &CertainError{Err: err}
	}
	return nil
}
