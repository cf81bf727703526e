// Package profile provides the read-only snapshot store for the therapy
// profile and safety preferences. Mutations go through a single writer that
// publishes fresh snapshots; the control loop never observes partial state.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
)

// Snapshot is one immutable profile + preferences pair. The scheduler takes
// a new snapshot at the start of every cycle.
type Snapshot struct {
	Profile     models.Profile
	Preferences models.Preferences
	LoadedAt    time.Time
}

// Store owns the profile and preferences documents on disk.
type Store struct {
	profilePath     string
	preferencesPath string
	log             *logger.Logger

	mu      sync.RWMutex
	current Snapshot

	changed chan Snapshot
}

// NewStore creates a store for the given document paths.
func NewStore(profilePath, preferencesPath string, log *logger.Logger) *Store {
	return &Store{
		profilePath:     profilePath,
		preferencesPath: preferencesPath,
		log:             log,
		changed:         make(chan Snapshot, 1),
	}
}

// Changed delivers a snapshot whenever settings are saved. Publishing never
// blocks; a slow consumer only sees the most recent snapshot.
func (s *Store) Changed() <-chan Snapshot {
	return s.changed
}

// Load reads both documents from disk. Missing files are created with
// defaults so a fresh install starts with safe limits.
func (s *Store) Load() error {
	profile := models.DefaultProfile()
	prefs := models.DefaultPreferences()

	if err := readYAML(s.profilePath, &profile); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("loading profile: %w", err)
		}
		s.log.Info("profile not found, writing defaults", "path", s.profilePath)
		if err := writeYAML(s.profilePath, profile); err != nil {
			return fmt.Errorf("writing default profile: %w", err)
		}
	}

	if err := readYAML(s.preferencesPath, &prefs); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("loading preferences: %w", err)
		}
		s.log.Info("preferences not found, writing defaults", "path", s.preferencesPath)
		if err := writeYAML(s.preferencesPath, prefs); err != nil {
			return fmt.Errorf("writing default preferences: %w", err)
		}
	}

	if err := validate(profile, prefs); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = Snapshot{Profile: profile, Preferences: prefs, LoadedAt: time.Now()}
	s.mu.Unlock()
	return nil
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save persists new settings and publishes the resulting snapshot.
func (s *Store) Save(profile models.Profile, prefs models.Preferences) error {
	if err := validate(profile, prefs); err != nil {
		return err
	}
	if err := writeYAML(s.profilePath, profile); err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	if err := writeYAML(s.preferencesPath, prefs); err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}

	snap := Snapshot{Profile: profile, Preferences: prefs, LoadedAt: time.Now()}
	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()

	// Drop the stale pending snapshot if the consumer hasn't caught up.
	select {
	case <-s.changed:
	default:
	}
	s.changed <- snap

	s.log.Info("settings saved",
		"maxBasal", profile.MaxBasal,
		"maxBolus", profile.MaxBolus,
		"maxIOB", prefs.MaxIOB)
	return nil
}

func validate(profile models.Profile, prefs models.Preferences) error {
	if len(profile.BasalSchedule) == 0 {
		return fmt.Errorf("profile: basal schedule is empty")
	}
	if profile.DIA < 2 || profile.DIA > 10 {
		return fmt.Errorf("profile: dia %.1f out of range", profile.DIA)
	}
	if profile.MaxBasal <= 0 || profile.MaxBolus <= 0 {
		return fmt.Errorf("profile: max basal and max bolus must be positive")
	}
	if prefs.AutosensMin <= 0 || prefs.AutosensMax < prefs.AutosensMin {
		return fmt.Errorf("preferences: invalid autosens bounds [%.2f, %.2f]",
			prefs.AutosensMin, prefs.AutosensMax)
	}
	if prefs.BolusIncrement <= 0 {
		return fmt.Errorf("preferences: bolus increment must be positive")
	}
	if prefs.SMBDeliveryRatio <= 0 || prefs.SMBDeliveryRatio > 1 {
		return fmt.Errorf("preferences: smb delivery ratio %.2f out of (0, 1]", prefs.SMBDeliveryRatio)
	}
	if prefs.SMBOffStartMinutes < 0 || prefs.SMBOffStartMinutes >= 1440 ||
		prefs.SMBOffEndMinutes < 0 || prefs.SMBOffEndMinutes >= 1440 {
		return fmt.Errorf("preferences: smb off window minutes out of [0, 1440)")
	}
	return nil
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func writeYAML(path string, in interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(in)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
