// Package models contains data structures used throughout the application
package models

import "time"

// PumpEvent represents one entry of authoritative pump history: a bolus, a
// carb entry, a temp basal change, or a suspend/resume marker. IOB and COB
// are always recomputed from these events, never accumulated across cycles.
type PumpEvent struct {
	ID        string  `json:"_id,omitempty"`
	EventType string  `json:"eventType"`
	Date      int64   `json:"date"` // Unix timestamp in milliseconds
	Insulin   float64 `json:"insulin,omitempty"` // Units of insulin
	Carbs     float64 `json:"carbs,omitempty"`   // Grams of carbohydrates
	Rate      float64 `json:"rate,omitempty"`    // U/hr for temp basals
	Duration  float64 `json:"duration,omitempty"` // Minutes, for temp basals
	Automatic bool    `json:"automatic,omitempty"` // true for loop-issued doses
	EnteredBy string  `json:"enteredBy,omitempty"`
	Notes     string  `json:"notes,omitempty"`
}

// Common pump history event types.
var PumpEventTypes = struct {
	Bolus          string
	SMB            string
	CarbCorrection string
	TempBasal      string
	CancelTemp     string
	Suspend        string
	Resume         string
}{
	Bolus:          "Bolus",
	SMB:            "SMB",
	CarbCorrection: "Carb Correction",
	TempBasal:      "Temp Basal",
	CancelTemp:     "Temp Basal Cancel",
	Suspend:        "Suspend Pump",
	Resume:         "Resume Pump",
}

// Time returns the time of the pump event
func (e *PumpEvent) Time() time.Time {
	return time.UnixMilli(e.Date)
}

// HasInsulin returns true if this event delivered bolus insulin
func (e *PumpEvent) HasInsulin() bool {
	return e.Insulin > 0
}

// HasCarbs returns true if this event recorded carbohydrates
func (e *PumpEvent) HasCarbs() bool {
	return e.Carbs > 0
}

// IsTempBasal returns true if this event changed the temp basal rate
func (e *PumpEvent) IsTempBasal() bool {
	return e.EventType == PumpEventTypes.TempBasal || e.EventType == PumpEventTypes.CancelTemp
}

// IsSMB returns true if this event was an automatic microbolus
func (e *PumpEvent) IsSMB() bool {
	return e.EventType == PumpEventTypes.SMB || (e.Automatic && e.HasInsulin())
}

// TempBasal is the pump's temporary basal override state.
type TempBasal struct {
	Rate            float64   `json:"rate"`     // U/hr
	DurationMinutes int       `json:"duration"` // remaining minutes
	StartedAt       time.Time `json:"startedAt"`
}

// Remaining returns the minutes of temp basal left at the given time.
func (t TempBasal) Remaining(now time.Time) int {
	elapsed := int(now.Sub(t.StartedAt).Minutes())
	remaining := t.DurationMinutes - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Active reports whether the temp basal is still running at the given time.
func (t TempBasal) Active(now time.Time) bool {
	return t.DurationMinutes > 0 && t.Remaining(now) > 0
}

// TempTarget is a user-set temporary glucose target.
type TempTarget struct {
	Top             float64   `json:"targetTop"`    // mg/dL
	Bottom          float64   `json:"targetBottom"` // mg/dL
	StartedAt       time.Time `json:"startedAt"`
	DurationMinutes int       `json:"duration"`
	Reason          string    `json:"reason,omitempty"`
}

// Active reports whether the temp target is in effect at the given time.
func (t TempTarget) Active(now time.Time) bool {
	if now.Before(t.StartedAt) {
		return false
	}
	return now.Sub(t.StartedAt) < time.Duration(t.DurationMinutes)*time.Minute
}

// Target returns the midpoint of the temp target range.
func (t TempTarget) Target() float64 {
	return (t.Top + t.Bottom) / 2
}

// Override is a user-activated profile override.
type Override struct {
	Name            string    `json:"name"`
	StartedAt       time.Time `json:"startedAt"`
	DurationMinutes int       `json:"duration"` // 0 = indefinite
	SMBDisabled     bool      `json:"smbDisabled,omitempty"`
	ISFMultiplier   float64   `json:"isfMultiplier,omitempty"` // 0 = unchanged
}

// Active reports whether the override is in effect at the given time.
func (o Override) Active(now time.Time) bool {
	if now.Before(o.StartedAt) {
		return false
	}
	if o.DurationMinutes == 0 {
		return true
	}
	return now.Sub(o.StartedAt) < time.Duration(o.DurationMinutes)*time.Minute
}

// PumpStatus is a point-in-time read of pump state, used both for cycle
// inputs and for idempotent recovery polling.
type PumpStatus struct {
	Bolusing       bool       `json:"bolusing"`
	Suspended      bool       `json:"suspended"`
	ReservoirUnits float64    `json:"reservoir"`
	BatteryPercent int        `json:"battery"`
	TempBasal      *TempBasal `json:"tempBasal,omitempty"` // nil when running scheduled basal
	Timestamp      time.Time  `json:"timestamp"`
}
