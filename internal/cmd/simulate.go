package cmd

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrcode/aidloop/internal/aggregate"
	"github.com/mrcode/aidloop/internal/autosens"
	"github.com/mrcode/aidloop/internal/dosing"
	"github.com/mrcode/aidloop/internal/history"
	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/loop"
	"github.com/mrcode/aidloop/internal/models"
	"github.com/mrcode/aidloop/internal/pump"
	"github.com/mrcode/aidloop/internal/safety"
)

var simCycles int

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run loop cycles against a simulated pump and CGM",
	Long: `simulate drives the full cycle pipeline with a synthetic glucose trace
and an in-memory pump. No hardware or Nightscout connection is needed.
Useful for inspecting what the loop would do.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulation(cmd.Context(), simCycles)
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simCycles, "cycles", 12, "number of loop cycles to simulate")
	rootCmd.AddCommand(simulateCmd)
}

// simWorld generates a plausible glucose trace and records enacted doses so
// later cycles see their own pump history.
type simWorld struct {
	mu      sync.Mutex
	rng     *rand.Rand
	start   time.Time
	now     time.Time
	glucose []models.GlucoseReading
	events  []models.PumpEvent
	bg      float64
}

func newSimWorld(start time.Time) *simWorld {
	w := &simWorld{
		rng:   rand.New(rand.NewSource(42)),
		start: start,
		now:   start,
		bg:    160,
	}
	// Seed six hours of history so IOB and autosens have something to work
	// with from the first cycle.
	for t := start.Add(-6 * time.Hour); t.Before(start); t = t.Add(5 * time.Minute) {
		w.step(t)
	}
	return w
}

func (w *simWorld) step(t time.Time) {
	drift := 2 * math.Sin(float64(t.Unix())/3600)
	noise := w.rng.NormFloat64() * 3
	w.bg = math.Max(45, math.Min(320, w.bg+drift+noise))
	w.glucose = append(w.glucose, models.GlucoseReading{
		ID:     fmt.Sprintf("sim-%d", t.UnixMilli()),
		Date:   t.UnixMilli(),
		SGV:    math.Round(w.bg),
		Device: "sim-cgm",
	})
}

// Advance moves the world forward one cycle interval.
func (w *simWorld) Advance(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = w.now.Add(interval)
	w.step(w.now)
}

func (w *simWorld) Now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now
}

func (w *simWorld) RecordCommand(cmd *models.ValidatedCommand, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch cmd.Kind {
	case models.CommandBolus:
		w.events = append(w.events, models.PumpEvent{
			EventType: models.PumpEventTypes.SMB,
			Date:      at.UnixMilli(),
			Insulin:   cmd.Units,
			Automatic: true,
		})
		w.bg -= cmd.Units * 2 // immediate-ish effect keeps the trace honest
	case models.CommandSetTempBasal:
		w.events = append(w.events, models.PumpEvent{
			EventType: models.PumpEventTypes.TempBasal,
			Date:      at.UnixMilli(),
			Rate:      cmd.Rate,
			Duration:  float64(cmd.DurationMinutes),
			Automatic: true,
		})
	case models.CommandCancelTempBasal:
		w.events = append(w.events, models.PumpEvent{
			EventType: models.PumpEventTypes.CancelTemp,
			Date:      at.UnixMilli(),
			Automatic: true,
		})
	}
}

func (w *simWorld) GlucoseHistory(_ context.Context, since time.Time) ([]models.GlucoseReading, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []models.GlucoseReading
	for _, g := range w.glucose {
		if !g.Time().Before(since) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (w *simWorld) PumpHistory(_ context.Context, since time.Time) ([]models.PumpEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []models.PumpEvent
	for _, e := range w.events {
		if !e.Time().Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (w *simWorld) ActiveOverrides(context.Context) ([]models.Override, error) {
	return nil, nil
}

func (w *simWorld) ActiveTempTargets(context.Context) ([]models.TempTarget, error) {
	return nil, nil
}

func runSimulation(ctx context.Context, cycles int) error {
	log := logger.Nop()
	world := newSimWorld(time.Now())
	driver := pump.NewSimDriver()

	snapProfile := models.DefaultProfile()
	snapPrefs := models.DefaultPreferences()

	aggregator := aggregate.New(world, world, driver, aggregate.DefaultOptions(), log)
	dispatcher := pump.NewDispatcher(driver, log, 5*time.Second, 90*time.Second)
	dosingEngine := dosing.NewEngine(dosing.NewOrefAlgorithm(), log)
	validator := safety.NewValidator(log)
	sink := history.NewMemorySink(0)

	priorRatio := 1.0
	autosensEngine := autosens.NewEngine()

	fmt.Printf("%-8s %-6s %-6s %-6s %-10s %s\n", "cycle", "bg", "iob", "cob", "outcome", "action")
	for i := 0; i < cycles; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		world.Advance(5 * time.Minute)
		now := world.Now()

		inputs, err := aggregator.Collect(ctx, now, snapProfile, snapPrefs)
		if err != nil {
			return fmt.Errorf("cycle %d aggregation: %w", i+1, err)
		}
		sens := autosensEngine.Compute(inputs.GlucoseHistory, inputs.PumpHistory, snapProfile, snapPrefs, priorRatio, now)
		priorRatio = sens.Ratio

		rec := models.LoopCycleRecord{StartedAt: now, Trigger: loop.TriggerTimer}
		if latest := inputs.Latest(); latest != nil {
			rec.Glucose = latest.SGV
		}
		rec.IOB = inputs.IOB.IOB
		rec.COB = inputs.COB
		rec.AutosensRatio = sens.Ratio

		suggestion, err := dosingEngine.Decide(inputs, snapProfile, snapPrefs, sens)
		action := "none"
		if err != nil {
			rec.Outcome = models.CycleOutcome{Status: models.OutcomeFailed, Reason: err.Error()}
		} else {
			rec.Recommendation = &suggestion
			state := safety.State{
				Stale:             inputs.Stale,
				Flat:              inputs.Flat,
				TempBasalActive:   inputs.CurrentTempBasal.Active(now),
				BasalIncrement:    driver.SupportedBasalIncrement(),
				BolusIncrement:    driver.SupportedBolusIncrement(),
				DurationIncrement: 30,
				Now:               now,
			}
			cmd, rejection := validator.Validate(suggestion, snapPrefs, snapProfile, inputs.IOB.IOB, inputs.COB, state)
			if rejection != nil {
				rec.Outcome = models.CycleOutcome{Status: models.OutcomeNoAction, Reason: rejection.Reason}
			} else {
				rec.ValidatedCommand = &cmd
				result := dispatcher.Dispatch(ctx, cmd)
				if result.State == models.CommandAcknowledged {
					rec.Outcome = models.CycleOutcome{Status: models.OutcomeSucceeded}
					world.RecordCommand(&cmd, now)
					action = describeCommand(&cmd)
				} else {
					rec.Outcome = models.CycleOutcome{Status: models.OutcomeFailed, Reason: result.Err.Error()}
				}
			}
		}
		rec.FinishedAt = world.Now()
		_ = sink.Append(ctx, rec)

		fmt.Printf("%-8d %-6.0f %-6.2f %-6.0f %-10s %s\n",
			i+1, rec.Glucose, rec.IOB, rec.COB, rec.Outcome.Status, action)
	}

	records, _ := sink.Since(ctx, time.Time{})
	stats := history.ComputeStats(records, time.Duration(cycles)*5*time.Minute)
	fmt.Printf("\n%d cycles, %.0f%% succeeded, median duration %.2fs\n",
		stats.Cycles, stats.SuccessRate*100, stats.MedianDuration)
	return nil
}

func describeCommand(cmd *models.ValidatedCommand) string {
	switch cmd.Kind {
	case models.CommandBolus:
		return fmt.Sprintf("bolus %.2fU", cmd.Units)
	case models.CommandSetTempBasal:
		return fmt.Sprintf("temp %.2fU/hr for %dm", cmd.Rate, cmd.DurationMinutes)
	case models.CommandCancelTempBasal:
		return "cancel temp"
	default:
		return string(cmd.Kind)
	}
}
