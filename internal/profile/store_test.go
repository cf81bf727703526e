package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "profile.yaml"), filepath.Join(dir, "preferences.yaml"), logger.Nop())
}

func TestLoadWritesDefaultsOnFreshInstall(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	snap := s.Snapshot()
	if snap.Profile.MaxBasal != 4.0 || snap.Profile.MaxBolus != 10.0 {
		t.Errorf("default limits = %.1f/%.1f", snap.Profile.MaxBasal, snap.Profile.MaxBolus)
	}
	if snap.Preferences.MaxIOB != 6.0 {
		t.Errorf("default maxIOB = %.1f", snap.Preferences.MaxIOB)
	}

	if _, err := os.Stat(s.profilePath); err != nil {
		t.Errorf("default profile not written: %v", err)
	}
	if _, err := os.Stat(s.preferencesPath); err != nil {
		t.Errorf("default preferences not written: %v", err)
	}
}

func TestLoadReadsSavedSettingsBack(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	profile := s.Snapshot().Profile
	prefs := s.Snapshot().Preferences
	profile.MaxBasal = 2.5
	prefs.MaxIOB = 4.0
	if err := s.Save(profile, prefs); err != nil {
		t.Fatalf("save: %v", err)
	}

	fresh := NewStore(s.profilePath, s.preferencesPath, logger.Nop())
	if err := fresh.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	snap := fresh.Snapshot()
	if snap.Profile.MaxBasal != 2.5 {
		t.Errorf("maxBasal = %.1f, want 2.5", snap.Profile.MaxBasal)
	}
	if snap.Preferences.MaxIOB != 4.0 {
		t.Errorf("maxIOB = %.1f, want 4.0", snap.Preferences.MaxIOB)
	}
}

func TestSaveRejectsInvalidSettings(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := s.Snapshot()

	cases := []struct {
		name   string
		mutate func(*models.Profile, *models.Preferences)
	}{
		{"empty basal schedule", func(p *models.Profile, _ *models.Preferences) { p.BasalSchedule = nil }},
		{"dia too short", func(p *models.Profile, _ *models.Preferences) { p.DIA = 1.0 }},
		{"zero max basal", func(p *models.Profile, _ *models.Preferences) { p.MaxBasal = 0 }},
		{"inverted autosens bounds", func(_ *models.Profile, pr *models.Preferences) { pr.AutosensMin = 1.5 }},
		{"zero bolus increment", func(_ *models.Profile, pr *models.Preferences) { pr.BolusIncrement = 0 }},
		{"delivery ratio above one", func(_ *models.Profile, pr *models.Preferences) { pr.SMBDeliveryRatio = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			profile := snap.Profile
			prefs := snap.Preferences
			tc.mutate(&profile, &prefs)
			if err := s.Save(profile, prefs); err == nil {
				t.Error("invalid settings accepted")
			}
		})
	}

	// The last good snapshot must survive every rejected save.
	if s.Snapshot().Profile.MaxBasal != snap.Profile.MaxBasal {
		t.Error("snapshot mutated by rejected save")
	}
}

func TestSavePublishesChange(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := s.Snapshot()

	snap.Profile.TargetHigh = 120
	if err := s.Save(snap.Profile, snap.Preferences); err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case got := <-s.Changed():
		if got.Profile.TargetHigh != 120 {
			t.Errorf("published TargetHigh = %.0f, want 120", got.Profile.TargetHigh)
		}
	default:
		t.Fatal("no change published")
	}
}

func TestSaveReplacesUnconsumedChange(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := s.Snapshot()

	snap.Profile.TargetHigh = 115
	if err := s.Save(snap.Profile, snap.Preferences); err != nil {
		t.Fatalf("first save: %v", err)
	}
	snap.Profile.TargetHigh = 125
	if err := s.Save(snap.Profile, snap.Preferences); err != nil {
		t.Fatalf("second save: %v", err)
	}

	// Only the most recent snapshot is pending.
	got := <-s.Changed()
	if got.Profile.TargetHigh != 125 {
		t.Errorf("pending TargetHigh = %.0f, want the newest", got.Profile.TargetHigh)
	}
	select {
	case <-s.Changed():
		t.Error("stale snapshot still pending")
	default:
	}
}
