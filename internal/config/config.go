// Package config loads daemon configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mrcode/aidloop/internal/logger"
)

// Config holds every tunable of the control loop daemon. Therapy settings
// (profile, preferences) live in their own YAML documents, not here.
type Config struct {
	// Loop timing
	LoopInterval       time.Duration // nominal time between cycles
	StalenessThreshold time.Duration // glucose older than this forces neutral
	GlucoseLookback    time.Duration // history window for aggregation

	// Dispatch / recovery
	AckTimeout           time.Duration // pump acknowledgement timeout
	RecommendationExpiry time.Duration // discard recommendations older than this
	RecoveryPollInitial  time.Duration // first uncertainty poll delay
	RecoveryPollMax      time.Duration // backoff ceiling
	RecoveryWindow       time.Duration // total uncertainty recovery window
	ConfirmPolls         int           // consistent polls needed to resolve

	// Stores and files
	DataDir         string
	ProfilePath     string
	PreferencesPath string
	HistoryDBPath   string

	// Pump driver
	PumpDriver  string // "sim" or "ble"
	BLEPumpName string

	// Nightscout (optional)
	NightscoutURL    string
	NightscoutSecret string
	NightscoutToken  string

	// Surfaces
	ListenAddr          string
	LogMode             string
	NotificationsEnable bool
}

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load(log *logger.Logger) Config {
	_ = godotenv.Load()

	dataDir := getEnv("AIDLOOP_DATA_DIR", defaultDataDir(), log)

	return Config{
		LoopInterval:       getEnvAsDuration("AIDLOOP_LOOP_INTERVAL", 5*time.Minute, log),
		StalenessThreshold: getEnvAsDuration("AIDLOOP_STALENESS_THRESHOLD", 12*time.Minute, log),
		GlucoseLookback:    getEnvAsDuration("AIDLOOP_GLUCOSE_LOOKBACK", 24*time.Hour, log),

		AckTimeout:           getEnvAsDuration("AIDLOOP_ACK_TIMEOUT", 15*time.Second, log),
		RecommendationExpiry: getEnvAsDuration("AIDLOOP_RECOMMENDATION_EXPIRY", 90*time.Second, log),
		RecoveryPollInitial:  getEnvAsDuration("AIDLOOP_RECOVERY_POLL_INITIAL", 15*time.Second, log),
		RecoveryPollMax:      getEnvAsDuration("AIDLOOP_RECOVERY_POLL_MAX", 5*time.Minute, log),
		RecoveryWindow:       getEnvAsDuration("AIDLOOP_RECOVERY_WINDOW", 30*time.Minute, log),
		ConfirmPolls:         getEnvAsInt("AIDLOOP_RECOVERY_CONFIRM_POLLS", 3, log),

		DataDir:         dataDir,
		ProfilePath:     getEnv("AIDLOOP_PROFILE_PATH", dataDir+"/profile.yaml", log),
		PreferencesPath: getEnv("AIDLOOP_PREFERENCES_PATH", dataDir+"/preferences.yaml", log),
		HistoryDBPath:   getEnv("AIDLOOP_HISTORY_DB", dataDir+"/history.db", log),

		PumpDriver:  getEnv("AIDLOOP_PUMP_DRIVER", "sim", log),
		BLEPumpName: getEnv("AIDLOOP_BLE_PUMP_NAME", "", log),

		NightscoutURL:    getEnv("AIDLOOP_NIGHTSCOUT_URL", "", log),
		NightscoutSecret: getEnv("AIDLOOP_NIGHTSCOUT_SECRET", "", log),
		NightscoutToken:  getEnv("AIDLOOP_NIGHTSCOUT_TOKEN", "", log),

		ListenAddr:          getEnv("AIDLOOP_LISTEN_ADDR", "127.0.0.1:17580", log),
		LogMode:             getEnv("AIDLOOP_LOG_MODE", "dev", log),
		NotificationsEnable: getEnvAsBool("AIDLOOP_NOTIFICATIONS", true, log),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.aidloop"
}

func getEnv(key, fallback string, log *logger.Logger) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	log.Debug("env not set, using default", "key", key, "default", fallback)
	return fallback
}

func getEnvAsInt(key string, fallback int, log *logger.Logger) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn("invalid int env value, using default", "key", key, "value", raw)
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool, log *logger.Logger) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn("invalid bool env value, using default", "key", key, "value", raw)
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration, log *logger.Logger) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn("invalid duration env value, using default", "key", key, "value", raw)
		return fallback
	}
	return value
}
