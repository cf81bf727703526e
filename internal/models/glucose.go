// Package models contains data structures used throughout the application
package models

import "time"

// MmolConversionFactor converts mg/dL to mmol/L.
const MmolConversionFactor = 18.0182

// SensorMax is the value CGMs report when the reading is above their range.
// A reading pinned at this value is not usable for dosing decisions.
const SensorMax = 400

// GlucoseReading represents a single CGM reading.
// Readings are immutable once recorded and ordered by Date.
type GlucoseReading struct {
	ID           string  `json:"_id,omitempty"`
	Date         int64   `json:"date"` // Unix timestamp in milliseconds
	SGV          float64 `json:"sgv"`  // Sensor glucose value in mg/dL
	Direction    string  `json:"direction,omitempty"`
	Device       string  `json:"device,omitempty"`
	IsCalibrated bool    `json:"isCalibrated"`
}

// Time returns the time of the glucose reading
func (g *GlucoseReading) Time() time.Time {
	return time.UnixMilli(g.Date)
}

// ValueMmolL returns the glucose value in mmol/L
func (g *GlucoseReading) ValueMmolL() float64 {
	return g.SGV / MmolConversionFactor
}

// GlucoseStatus is the short-term glucose summary handed to the decision
// function: the latest value plus averaged deltas over three windows.
type GlucoseStatus struct {
	Glucose       float64   `json:"glucose"`        // mg/dL
	Delta         float64   `json:"delta"`          // change over the last ~5 min
	ShortAvgDelta float64   `json:"short_avgdelta"` // average change over ~15 min
	LongAvgDelta  float64   `json:"long_avgdelta"`  // average change over ~45 min
	Date          time.Time `json:"date"`
}
