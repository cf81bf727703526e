// Package models contains data structures used throughout the application
package models

import "time"

// ScheduleEntry is one segment of a daily schedule, starting at a minute
// offset from midnight and running until the next entry.
type ScheduleEntry struct {
	StartMinutes int     `json:"startMinutes" yaml:"startMinutes"`
	Value        float64 `json:"value" yaml:"value"`
}

// Schedule is a daily schedule of values (basal rates, ISF, carb ratios).
// Entries must be sorted by StartMinutes with the first entry at 0.
type Schedule []ScheduleEntry

// ValueAt returns the scheduled value in effect at the given time.
func (s Schedule) ValueAt(t time.Time) float64 {
	if len(s) == 0 {
		return 0
	}
	minutes := t.Hour()*60 + t.Minute()
	value := s[0].Value
	for _, entry := range s {
		if entry.StartMinutes > minutes {
			break
		}
		value = entry.Value
	}
	return value
}

// Profile is the therapy profile snapshot used for one cycle. It is
// immutable; settings changes publish a fresh snapshot.
type Profile struct {
	BasalSchedule     Schedule `json:"basalSchedule" yaml:"basalSchedule"`         // U/hr
	ISFSchedule       Schedule `json:"isfSchedule" yaml:"isfSchedule"`             // mg/dL per U
	CarbRatioSchedule Schedule `json:"carbRatioSchedule" yaml:"carbRatioSchedule"` // g per U
	DIA               float64  `json:"dia" yaml:"dia"`                             // hours
	TargetLow         float64  `json:"targetLow" yaml:"targetLow"`                 // mg/dL
	TargetHigh        float64  `json:"targetHigh" yaml:"targetHigh"`               // mg/dL
	MaxBasal          float64  `json:"maxBasal" yaml:"maxBasal"`                   // U/hr
	MaxBolus          float64  `json:"maxBolus" yaml:"maxBolus"`                   // U
}

// DefaultProfile returns a conservative starting profile.
func DefaultProfile() Profile {
	return Profile{
		BasalSchedule:     Schedule{{StartMinutes: 0, Value: 1.0}},
		ISFSchedule:       Schedule{{StartMinutes: 0, Value: 50}},
		CarbRatioSchedule: Schedule{{StartMinutes: 0, Value: 10}},
		DIA:               5.0,
		TargetLow:         90,
		TargetHigh:        110,
		MaxBasal:          4.0,
		MaxBolus:          10.0,
	}
}

// Target returns the midpoint of the profile target range.
func (p Profile) Target() float64 {
	return (p.TargetLow + p.TargetHigh) / 2
}

// Preferences holds the hard safety limits and feature toggles. Same
// snapshot lifecycle as Profile.
type Preferences struct {
	MaxIOB float64 `json:"maxIOB" yaml:"maxIOB"` // U
	MaxCOB float64 `json:"maxCOB" yaml:"maxCOB"` // g

	AutosensMin float64 `json:"autosensMin" yaml:"autosensMin"`
	AutosensMax float64 `json:"autosensMax" yaml:"autosensMax"`

	SMBEnabled            bool    `json:"smbEnabled" yaml:"smbEnabled"`
	SMBAlways             bool    `json:"smbAlways" yaml:"smbAlways"`
	SMBWithCOB            bool    `json:"smbWithCOB" yaml:"smbWithCOB"`
	SMBAfterCarbs         bool    `json:"smbAfterCarbs" yaml:"smbAfterCarbs"`
	SMBWithTempTarget     bool    `json:"smbWithTempTarget" yaml:"smbWithTempTarget"`
	SMBWithHighTempTarget bool    `json:"smbWithHighTempTarget" yaml:"smbWithHighTempTarget"`
	SMBHighBG             bool    `json:"smbHighBG" yaml:"smbHighBG"`
	SMBHighBGTarget       float64 `json:"smbHighBGTarget" yaml:"smbHighBGTarget"` // mg/dL
	SMBIntervalMinutes    int     `json:"smbIntervalMinutes" yaml:"smbIntervalMinutes"`

	// Daily window where SMBs are scheduled off, minutes after midnight.
	// Equal start and end means no window; the window may cross midnight.
	SMBOffStartMinutes int `json:"smbOffStartMinutes" yaml:"smbOffStartMinutes"`
	SMBOffEndMinutes   int `json:"smbOffEndMinutes" yaml:"smbOffEndMinutes"`

	BolusIncrement   float64 `json:"bolusIncrement" yaml:"bolusIncrement"`     // U
	SMBDeliveryRatio float64 `json:"smbDeliveryRatio" yaml:"smbDeliveryRatio"` // fraction of insulinReq per SMB

	InsulinPeakMinutes    float64 `json:"insulinPeakMinutes" yaml:"insulinPeakMinutes"`
	CarbAbsorptionMinutes float64 `json:"carbAbsorptionMinutes" yaml:"carbAbsorptionMinutes"`
	Min5mCarbImpact       float64 `json:"min5mCarbImpact" yaml:"min5mCarbImpact"` // mg/dL per 5 min
}

// DefaultPreferences returns safety limits matching the usual oref defaults.
func DefaultPreferences() Preferences {
	return Preferences{
		MaxIOB:                6.0,
		MaxCOB:                120,
		AutosensMin:           0.7,
		AutosensMax:           1.2,
		SMBEnabled:            true,
		SMBWithCOB:            true,
		SMBAfterCarbs:         true,
		SMBWithTempTarget:     true,
		SMBWithHighTempTarget: false,
		SMBHighBG:             false,
		SMBHighBGTarget:       160,
		SMBIntervalMinutes:    3,
		BolusIncrement:        0.05,
		SMBDeliveryRatio:      0.5,
		InsulinPeakMinutes:    75,
		CarbAbsorptionMinutes: 180,
		Min5mCarbImpact:       8,
	}
}

// AutosensResult is the bounded sensitivity ratio computed each cycle.
type AutosensResult struct {
	Ratio      float64   `json:"ratio"`
	NewISF     float64   `json:"newISF,omitempty"` // profile ISF / ratio
	ComputedAt time.Time `json:"computedAt"`
	Deviations int       `json:"deviations"` // sample count behind the ratio
}

// IOBResult is the insulin-on-board breakdown recomputed every cycle from
// pump history. A new value replaces the old one; it is never mutated.
type IOBResult struct {
	IOB             float64    `json:"iob"`      // total units still active
	Activity        float64    `json:"activity"` // units consumed per 5 min
	BasalIOB        float64    `json:"basaliob"`
	BolusIOB        float64    `json:"bolusiob"`
	NetBasalInsulin float64    `json:"netbasalinsulin"`
	BolusInsulin    float64    `json:"bolusinsulin"`
	ComputedAt      time.Time  `json:"computedAt"`
	LastBolusTime   *time.Time `json:"lastBolusTime,omitempty"`
	LastTempBasal   *TempBasal `json:"lastTempBasal,omitempty"`
}
