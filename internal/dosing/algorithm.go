// Package dosing wraps the versioned dosing decision function. The
// algorithm is a pure function of its inputs: identical inputs always
// produce identical output, and nothing in this package touches
// process-wide mutable state on its behalf.
package dosing

import (
	"fmt"
	"time"

	"github.com/mrcode/aidloop/internal/models"
)

// MealData summarizes carb state for the decision function.
type MealData struct {
	COB          float64    `json:"mealCOB"`
	Carbs        float64    `json:"carbs"` // grams entered in the last 6h
	LastCarbTime *time.Time `json:"lastCarbTime,omitempty"`
}

// AlgorithmInputs is the fixed decision-function contract. The field set
// and their names are stable; downstream consumers key off them.
type AlgorithmInputs struct {
	IOB               models.IOBResult     `json:"iob"`
	CurrentTemp       models.TempBasal     `json:"currentTemp"`
	GlucoseStatus     models.GlucoseStatus `json:"glucoseStatus"`
	Profile           models.Profile       `json:"profile"`
	AutosensRatio     float64              `json:"autosensRatio"`
	Meal              MealData             `json:"mealData"`
	MicrobolusAllowed bool                 `json:"microBolusAllowed"`
	Reservoir         float64              `json:"reservoir"`
	Clock             time.Time            `json:"clock"`
	PumpHistory       []models.PumpEvent   `json:"pumpHistory"`
	Preferences       models.Preferences   `json:"preferences"`
	BasalRate         float64              `json:"basalRate"` // scheduled U/hr at Clock
	TempTarget        *models.TempTarget   `json:"tempTarget,omitempty"`
	CustomVariables   map[string]float64   `json:"customVariables,omitempty"`
}

// Algorithm is the swappable, versioned decision function. Implementations
// must be deterministic and side-effect free; alternate versions can be
// swapped in without touching the scheduler.
type Algorithm interface {
	Version() string
	DetermineBasal(in AlgorithmInputs) (models.Recommendation, error)
}

// AlgorithmError wraps a decision-function failure. It is fatal to the
// cycle: no dosing change is applied.
type AlgorithmError struct {
	Detail string
	Err    error
}

func (e *AlgorithmError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("algorithm failure: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("algorithm failure: %s", e.Detail)
}

func (e *AlgorithmError) Unwrap() error { return e.Err }
