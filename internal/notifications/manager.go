// Package notifications handles system notifications and alerts
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
	"github.com/mrcode/aidloop/internal/recovery"
)

// Alert type constants
const (
	alertUrgentLow  = "urgent_low"
	alertLow        = "low"
	alertUrgentHigh = "urgent_high"
	alertLoopFailed = "loop_failed"
	alertStale      = "stale_glucose"
	alertUncertain  = "uncertain_delivery"
	alertUnresolved = "unresolved_delivery"
)

// Thresholds for glucose alerts, mg/dL.
type Thresholds struct {
	UrgentLow  float64
	Low        float64
	UrgentHigh float64
}

// DefaultThresholds returns the standard alert bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{UrgentLow: 55, Low: 70, UrgentHigh: 250}
}

// Manager sends desktop alerts for loop and glucose conditions, with
// per-type repeat suppression.
type Manager struct {
	thresholds    Thresholds
	repeatAfter   time.Duration
	failStreak    int
	lastAlertTime map[string]time.Time
	log           *logger.Logger
	mu            sync.Mutex

	// send is the delivery function, replaceable in tests.
	send func(title, message, icon string) error
}

// NewManager creates a new notification manager
func NewManager(thresholds Thresholds, repeatAfter time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		thresholds:    thresholds,
		repeatAfter:   repeatAfter,
		lastAlertTime: make(map[string]time.Time),
		log:           log,
		send:          beeep.Notify,
	}
}

// Watch consumes cycle records and recovery events until the context ends.
func (m *Manager) Watch(ctx context.Context, cycles <-chan models.LoopCycleRecord, events <-chan recovery.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-cycles:
			m.CheckCycle(&rec)
		case ev := <-events:
			m.CheckRecovery(ev)
		}
	}
}

// CheckCycle inspects one finished cycle and alerts if needed.
func (m *Manager) CheckCycle(rec *models.LoopCycleRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch rec.Outcome.Status {
	case models.OutcomeFailed:
		m.failStreak++
		// A single failed cycle self-heals next interval; three in a row
		// means the loop has effectively stopped dosing.
		if m.failStreak >= 3 {
			m.notify(alertLoopFailed, "⚠️ Loop Not Dosing",
				fmt.Sprintf("%d consecutive cycles failed: %s", m.failStreak, rec.Outcome.Reason))
		}
	default:
		m.failStreak = 0
	}

	if rec.Glucose > 0 {
		m.checkGlucose(rec.Glucose)
	}
}

// CheckRecovery alerts on uncertainty state changes.
func (m *Manager) CheckRecovery(ev recovery.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case ev.Resolution != nil && ev.Resolution.State == models.CommandUncertain:
		m.notify(alertUnresolved, "⚠️ CHECK PUMP",
			"A pump command could not be confirmed. Check the pump and acknowledge in the app.")
	case ev.Blocked && ev.Command != nil:
		m.notify(alertUncertain, "⚠️ Uncertain Delivery",
			fmt.Sprintf("Pump did not confirm %s. Automatic dosing paused while resolving.", ev.Command.Kind))
	case !ev.Blocked && ev.Resolution != nil:
		m.notify(alertUncertain, "✅ Delivery Resolved",
			fmt.Sprintf("Pump state confirmed: %s. Automatic dosing resumed.", ev.Resolution.State))
	}
}

// NotifyStale alerts when glucose input has gone stale.
func (m *Manager) NotifyStale(age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify(alertStale, "⚠️ No Recent Glucose",
		fmt.Sprintf("Newest reading is %s old. Loop is holding scheduled basal.", age.Round(time.Minute)))
}

func (m *Manager) checkGlucose(bg float64) {
	switch {
	case bg <= m.thresholds.UrgentLow:
		m.notify(alertUrgentLow, "⚠️ URGENT LOW GLUCOSE",
			fmt.Sprintf("Glucose is critically low: %.0f mg/dL", bg))
	case bg <= m.thresholds.Low:
		m.notify(alertLow, "⬇️ Low Glucose",
			fmt.Sprintf("Glucose is low: %.0f mg/dL", bg))
	case bg >= m.thresholds.UrgentHigh:
		m.notify(alertUrgentHigh, "⚠️ URGENT HIGH GLUCOSE",
			fmt.Sprintf("Glucose is critically high: %.0f mg/dL", bg))
	}
}

// notify sends one alert, suppressing repeats within the repeat window.
// Callers hold the mutex.
func (m *Manager) notify(alertType, title, message string) {
	if last, ok := m.lastAlertTime[alertType]; ok {
		if m.repeatAfter <= 0 || time.Since(last) < m.repeatAfter {
			return
		}
	}
	if err := m.send(title, message, ""); err != nil {
		m.log.Warn("notification failed", "type", alertType, "error", err)
		return
	}
	m.lastAlertTime[alertType] = time.Now()
}

// ClearAlertState clears the alert state for a specific type or all types
func (m *Manager) ClearAlertState(alertType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alertType == "" {
		m.lastAlertTime = make(map[string]time.Time)
	} else {
		delete(m.lastAlertTime, alertType)
	}
}

// SendTestNotification sends a test notification
func (m *Manager) SendTestNotification() error {
	return m.send("aidloop", "Test notification - alerts are working!", "")
}
