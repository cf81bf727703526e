package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrcode/aidloop/internal/aggregate"
	"github.com/mrcode/aidloop/internal/autosens"
	"github.com/mrcode/aidloop/internal/config"
	"github.com/mrcode/aidloop/internal/dosing"
	"github.com/mrcode/aidloop/internal/history"
	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/loop"
	"github.com/mrcode/aidloop/internal/models"
	"github.com/mrcode/aidloop/internal/nightscout"
	"github.com/mrcode/aidloop/internal/notifications"
	"github.com/mrcode/aidloop/internal/profile"
	"github.com/mrcode/aidloop/internal/pump"
	"github.com/mrcode/aidloop/internal/pump/ble"
	"github.com/mrcode/aidloop/internal/recovery"
	"github.com/mrcode/aidloop/internal/safety"
	"github.com/mrcode/aidloop/internal/server"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control loop daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := logger.New("dev")
	if err != nil {
		return err
	}
	cfg := config.Load(log)
	log, err = logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.NightscoutURL == "" {
		return errors.New("AIDLOOP_NIGHTSCOUT_URL is required: the loop needs a glucose source")
	}

	profiles := profile.NewStore(cfg.ProfilePath, cfg.PreferencesPath, log)
	if err := profiles.Load(); err != nil {
		return fmt.Errorf("loading therapy settings: %w", err)
	}

	ns := nightscout.NewClient(cfg.NightscoutURL, cfg.NightscoutSecret, cfg.NightscoutToken, cfg.NightscoutToken != "")
	if err := ns.TestConnection(ctx); err != nil {
		log.Warn("nightscout unreachable at startup, continuing", "error", err)
	}

	driver, err := buildDriver(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer driver.Close()

	dispatcher := pump.NewDispatcher(driver, log, cfg.AckTimeout, cfg.RecommendationExpiry)
	recoveryCtl := recovery.NewController(driver, log, recovery.Config{
		PollInitial:  cfg.RecoveryPollInitial,
		PollMax:      cfg.RecoveryPollMax,
		Window:       cfg.RecoveryWindow,
		ConfirmPolls: cfg.ConfirmPolls,
	})
	defer recoveryCtl.Stop()

	aggOpts := aggregate.DefaultOptions()
	aggOpts.Lookback = cfg.GlucoseLookback
	aggOpts.StalenessThreshold = cfg.StalenessThreshold
	aggregator := aggregate.New(ns, ns, driver, aggOpts, log)

	sink, err := history.NewGormSink(cfg.HistoryDBPath)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer sink.Close()

	dosingEngine := dosing.NewEngine(dosing.NewOrefAlgorithm(), log)
	validator := safety.NewValidator(log)

	loopOpts := loop.DefaultOptions()
	loopOpts.Interval = cfg.LoopInterval
	scheduler := loop.New(
		aggregator, profiles, autosens.NewEngine(), dosingEngine,
		validator, dispatcher, recoveryCtl, sink, ns, loopOpts, log,
	)

	// The completed-cycle stream has two consumers; tee it so neither
	// starves the other.
	apiCycles := scheduler.Completed()
	if cfg.NotificationsEnable {
		alertCycles := make(chan models.LoopCycleRecord, 8)
		teed := make(chan models.LoopCycleRecord, 8)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case rec := <-scheduler.Completed():
					select {
					case alertCycles <- rec:
					default:
					}
					select {
					case teed <- rec:
					default:
					}
				}
			}
		}()
		apiCycles = teed

		alerts := notifications.NewManager(notifications.DefaultThresholds(), 15*time.Minute, log)
		// The scheduler owns the controller's event stream; alerts read
		// the forwarded copy.
		go alerts.Watch(ctx, alertCycles, scheduler.RecoveryEvents())
	}

	api := server.New(cfg.ListenAddr, scheduler, recoveryCtl, sink, apiCycles, log)
	go func() {
		if err := api.Run(ctx); err != nil {
			log.Error("api server stopped", "error", err)
		}
	}()

	err = scheduler.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildDriver(ctx context.Context, cfg config.Config, log *logger.Logger) (pump.Driver, error) {
	switch cfg.PumpDriver {
	case "sim":
		log.Warn("using simulated pump, no insulin will be delivered")
		return pump.NewSimDriver(), nil
	case "ble":
		if cfg.BLEPumpName == "" {
			return nil, errors.New("AIDLOOP_BLE_PUMP_NAME is required for the ble driver")
		}
		return ble.NewDriver(ctx, log, cfg.BLEPumpName, 30*time.Second)
	default:
		return nil, fmt.Errorf("unknown pump driver %q", cfg.PumpDriver)
	}
}
