package dosing

import (
	"fmt"
	"time"

	"github.com/mrcode/aidloop/internal/models"
)

// smbAllowed derives the microbolus gate from the SMB preference flags,
// carb state, temp-target state, and time since the last SMB. It returns
// the gate plus the reason, which ends up in the recommendation trace.
func smbAllowed(
	prefs models.Preferences,
	meal MealData,
	bg float64,
	target float64,
	tempTargetSet bool,
	override *models.Override,
	lastSMB *time.Time,
	clock time.Time,
) (bool, string) {
	if !prefs.SMBEnabled {
		return false, "SMB disabled in preferences"
	}
	if override != nil && override.SMBDisabled {
		return false, fmt.Sprintf("SMB disabled by override %q", override.Name)
	}
	if inSMBOffWindow(prefs.SMBOffStartMinutes, prefs.SMBOffEndMinutes, clock) {
		return false, fmt.Sprintf("SMB scheduled off between %s and %s",
			minutesClock(prefs.SMBOffStartMinutes), minutesClock(prefs.SMBOffEndMinutes))
	}
	if tempTargetSet && target > 100 && !prefs.SMBWithHighTempTarget {
		return false, fmt.Sprintf("SMB disabled for high temp target %.0f", target)
	}
	if bg >= models.SensorMax {
		return false, "SMB disabled: invalid CGM reading (HIGH)"
	}
	if lastSMB != nil {
		elapsed := clock.Sub(*lastSMB)
		if elapsed < time.Duration(prefs.SMBIntervalMinutes)*time.Minute {
			return false, fmt.Sprintf("SMB disabled: last SMB %.0fm ago", elapsed.Minutes())
		}
	}

	switch {
	case prefs.SMBAlways:
		return true, "SMB enabled: always on"
	case prefs.SMBWithCOB && meal.COB > 0:
		return true, fmt.Sprintf("SMB enabled for COB of %.0f", meal.COB)
	case prefs.SMBAfterCarbs && meal.Carbs > 0:
		return true, "SMB enabled for 6h after carb entry"
	case prefs.SMBWithTempTarget && tempTargetSet && target < 100:
		return true, fmt.Sprintf("SMB enabled for temp target of %.0f", target)
	case prefs.SMBHighBG && bg >= prefs.SMBHighBGTarget:
		return true, fmt.Sprintf("SMB enabled for high BG %.0f", bg)
	}
	return false, "SMB disabled: no enabling condition satisfied"
}

// inSMBOffWindow reports whether clock falls inside the daily SMB-off
// window. Equal start and end means no window; start after end wraps
// past midnight.
func inSMBOffWindow(startMin, endMin int, clock time.Time) bool {
	if startMin == endMin {
		return false
	}
	m := clock.Hour()*60 + clock.Minute()
	if startMin < endMin {
		return m >= startMin && m < endMin
	}
	return m >= startMin || m < endMin
}

func minutesClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// lastSMBTime returns the time of the most recent automatic microbolus in
// pump history, or nil when none exists.
func lastSMBTime(events []models.PumpEvent) *time.Time {
	var last *time.Time
	for i := range events {
		e := &events[i]
		if !e.IsSMB() {
			continue
		}
		t := e.Time()
		if last == nil || t.After(*last) {
			last = &t
		}
	}
	return last
}
