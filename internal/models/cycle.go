// Package models contains data structures used throughout the application
package models

import "time"

// CycleInputs is the immutable aggregate handed to the dosing engine.
// It is constructed fresh each cycle and never mutated.
type CycleInputs struct {
	GlucoseHistory   []GlucoseReading `json:"glucoseHistory"`
	IOB              IOBResult        `json:"iob"`
	COB              float64          `json:"cob"`
	CurrentTempBasal TempBasal        `json:"currentTempBasal"`
	ReservoirUnits   float64          `json:"reservoir"`
	BatteryPercent   int              `json:"battery"`
	ActiveOverride   *Override        `json:"activeOverride,omitempty"`
	ActiveTempTarget *TempTarget      `json:"activeTempTarget,omitempty"`
	PumpHistory      []PumpEvent      `json:"pumpHistory"`
	Clock            time.Time        `json:"clock"`

	// Stale is set when the newest glucose reading is older than the
	// configured threshold. The cycle still runs but the validator forces
	// the neutral path.
	Stale bool `json:"stale"`
	// Flat is set when the CGM trace is implausibly flat (sensor fault).
	Flat bool `json:"flat"`
}

// Latest returns the newest glucose reading, or nil when history is empty.
func (c *CycleInputs) Latest() *GlucoseReading {
	if len(c.GlucoseHistory) == 0 {
		return nil
	}
	latest := &c.GlucoseHistory[0]
	for i := range c.GlucoseHistory {
		if c.GlucoseHistory[i].Date > latest.Date {
			latest = &c.GlucoseHistory[i]
		}
	}
	return latest
}

// Predictions holds the decision function's forward glucose curves.
type Predictions struct {
	IOB []float64 `json:"IOB,omitempty"`
	ZT  []float64 `json:"ZT,omitempty"`
	COB []float64 `json:"COB,omitempty"`
	UAM []float64 `json:"UAM,omitempty"`
}

// Recommendation is the output of the decision function. Field names match
// the established determine-basal output contract; downstream consumers
// (audit log, status upload) key off them.
type Recommendation struct {
	Rate             *float64     `json:"rate,omitempty"`     // U/hr temp basal
	Duration         *int         `json:"duration,omitempty"` // minutes
	Units            *float64     `json:"units,omitempty"`    // microbolus U
	Reason           string       `json:"reason"`
	EventualBG       float64      `json:"eventualBG"`
	BG               float64      `json:"bg"`
	IOB              float64      `json:"IOB"`
	COB              float64      `json:"COB"`
	InsulinReq       float64      `json:"insulinReq"`
	SensitivityRatio float64      `json:"sensitivityRatio"`
	CurrentTarget    float64      `json:"current_target"`
	Predictions      *Predictions `json:"predBGs,omitempty"`
	DeliverAt        time.Time    `json:"deliverAt"`
	AlgorithmVersion string       `json:"algorithm,omitempty"`
}

// NeedsAction reports whether the recommendation asks for any pump change.
func (r *Recommendation) NeedsAction() bool {
	return r.Rate != nil || r.Units != nil
}

// CommandKind identifies the pump operation of a validated command.
type CommandKind string

const (
	CommandSetTempBasal    CommandKind = "setTempBasal"
	CommandBolus           CommandKind = "bolus"
	CommandCancelTempBasal CommandKind = "cancelTempBasal"
)

// ValidatedCommand is the only object the dispatcher may send to hardware.
// Amounts are already clamped and rounded to pump increments.
type ValidatedCommand struct {
	ID                 string      `json:"id"`
	Kind               CommandKind `json:"kind"`
	Rate               float64     `json:"rate,omitempty"`     // U/hr
	DurationMinutes    int         `json:"duration,omitempty"` // minutes
	Units              float64     `json:"units,omitempty"`    // U
	ConstraintsApplied []string    `json:"constraintsApplied,omitempty"`
	Manual             bool        `json:"manual,omitempty"`
	DeliverAt          time.Time   `json:"deliverAt"`
}

// CommandState is the finite state of an in-flight pump command.
type CommandState string

const (
	CommandPending           CommandState = "pending"
	CommandAcknowledged      CommandState = "acknowledged"
	CommandFailed            CommandState = "failed"
	CommandUncertain         CommandState = "uncertain"
	CommandResolvedSucceeded CommandState = "resolvedSucceeded"
	CommandResolvedFailed    CommandState = "resolvedFailed"
)

// OutcomeStatus classifies how a loop cycle ended.
type OutcomeStatus string

const (
	OutcomeSucceeded  OutcomeStatus = "succeeded"
	OutcomeNoAction   OutcomeStatus = "noAction"
	OutcomeFailed     OutcomeStatus = "failed"
	OutcomeSuppressed OutcomeStatus = "suppressed"
	OutcomeRejected   OutcomeStatus = "rejected"
	OutcomeUncertain  OutcomeStatus = "uncertain"
	OutcomeBlocked    OutcomeStatus = "blocked"
)

// CycleOutcome is the recorded result of one loop cycle.
type CycleOutcome struct {
	Status OutcomeStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// LoopCycleRecord is the append-only audit record of one cycle. It is
// immutable after completion and totally ordered by StartedAt.
type LoopCycleRecord struct {
	CycleID          string            `json:"cycleId"`
	StartedAt        time.Time         `json:"startedAt"`
	FinishedAt       time.Time         `json:"finishedAt"`
	Trigger          string            `json:"trigger"`
	Glucose          float64           `json:"glucose,omitempty"`
	IOB              float64           `json:"iob,omitempty"`
	COB              float64           `json:"cob,omitempty"`
	AutosensRatio    float64           `json:"autosensRatio,omitempty"`
	Recommendation   *Recommendation   `json:"recommendation,omitempty"`
	ValidatedCommand *ValidatedCommand `json:"validatedCommand,omitempty"`
	Outcome          CycleOutcome      `json:"outcome"`
}

// Duration returns the wall-clock length of the cycle.
func (r *LoopCycleRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
