package nightscout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mrcode/aidloop/internal/models"
)

func TestHashSecret(t *testing.T) {
	// Known SHA1 vector the Nightscout API expects.
	if got := hashSecret("test"); got != "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3" {
		t.Errorf("hashSecret = %s", got)
	}
}

func TestBuildRequestSecretAuth(t *testing.T) {
	c := NewClient("https://ns.example.com/", "mysecret", "", false)
	req, err := c.buildRequest(context.Background(), "GET", "/api/v1/status", nil, nil)
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if req.URL.String() != "https://ns.example.com/api/v1/status" {
		t.Errorf("url = %s", req.URL)
	}
	if got := req.Header.Get("API-SECRET"); got != hashSecret("mysecret") {
		t.Errorf("API-SECRET = %s", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("unexpected bearer auth")
	}
}

func TestBuildRequestTokenAuth(t *testing.T) {
	c := NewClient("https://ns.example.com", "ignored", "tok123", true)
	req, err := c.buildRequest(context.Background(), "GET", "/api/v1/status", nil, nil)
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok123" {
		t.Errorf("Authorization = %s", got)
	}
	if req.Header.Get("API-SECRET") != "" {
		t.Error("secret header set alongside token auth")
	}
}

func TestGlucoseHistory(t *testing.T) {
	now := time.Now()
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/entries/sgv" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("find[date][$gte]")
		json.NewEncoder(w).Encode([]models.GlucoseReading{
			{Date: now.UnixMilli(), SGV: 142, Direction: "Flat"},
			{Date: now.Add(-5 * time.Minute).UnixMilli(), SGV: 139},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "", false)
	since := now.Add(-time.Hour)
	readings, err := c.GlucoseHistory(context.Background(), since)
	if err != nil {
		t.Fatalf("GlucoseHistory: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("len = %d, want 2", len(readings))
	}
	if readings[0].SGV != 142 {
		t.Errorf("newest sgv = %v, want 142", readings[0].SGV)
	}
	if gotQuery != fmt.Sprintf("%d", since.UnixMilli()) {
		t.Errorf("date filter = %s", gotQuery)
	}
}

func TestPumpHistoryFiltersAndMapsTreatments(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]treatment{
			{EventType: "SMB", CreatedAt: now.Format(time.RFC3339), Insulin: 0.3, Automatic: true},
			{EventType: "Temp Basal", CreatedAt: now.Add(-10 * time.Minute).Format(time.RFC3339), Absolute: 1.8, Duration: 30},
			{EventType: "Note", CreatedAt: now.Format(time.RFC3339), Notes: "lunch walk"},
			{EventType: "Carb Correction", CreatedAt: now.Add(-30 * time.Minute).Format(time.RFC3339), Carbs: 45},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "", false)
	events, err := c.PumpHistory(context.Background(), now.Add(-6*time.Hour))
	if err != nil {
		t.Fatalf("PumpHistory: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3 (notes excluded)", len(events))
	}

	smb := events[0]
	if smb.EventType != models.PumpEventTypes.SMB || !smb.Automatic || smb.Insulin != 0.3 {
		t.Errorf("smb mapped wrong: %+v", smb)
	}
	if smb.Date != now.UnixMilli() {
		t.Errorf("smb date = %d, want %d", smb.Date, now.UnixMilli())
	}

	// The absolute field backfills rate when rate is absent.
	temp := events[1]
	if temp.Rate != 1.8 || temp.Duration != 30 {
		t.Errorf("temp mapped wrong: %+v", temp)
	}
}

func TestActiveTempTargets(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("find[eventType]"); got != "Temporary Target" {
			t.Errorf("eventType filter = %s", got)
		}
		json.NewEncoder(w).Encode([]treatment{
			{EventType: "Temporary Target", CreatedAt: now.Add(-20 * time.Minute).Format(time.RFC3339),
				TargetTop: 150, TargetBottom: 130, Duration: 60, Reason: "exercise"},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "", false)
	targets, err := c.ActiveTempTargets(context.Background())
	if err != nil {
		t.Fatalf("ActiveTempTargets: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("len = %d, want 1", len(targets))
	}
	tt := targets[0]
	if tt.Top != 150 || tt.Bottom != 130 || tt.DurationMinutes != 60 || tt.Reason != "exercise" {
		t.Errorf("target mapped wrong: %+v", tt)
	}
}

func TestUploadTreatmentMapsCommandKinds(t *testing.T) {
	var got []treatment
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/treatments" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "", false)
	at := time.Now()

	cases := []struct {
		cmd       models.ValidatedCommand
		eventType string
	}{
		{models.ValidatedCommand{Kind: models.CommandBolus, Units: 0.4}, "SMB"},
		{models.ValidatedCommand{Kind: models.CommandBolus, Units: 2, Manual: true}, "Bolus"},
		{models.ValidatedCommand{Kind: models.CommandSetTempBasal, Rate: 1.5, DurationMinutes: 30}, "Temp Basal"},
		{models.ValidatedCommand{Kind: models.CommandCancelTempBasal}, "Temp Basal Cancel"},
	}
	for _, tc := range cases {
		if err := c.UploadTreatment(context.Background(), tc.cmd, at); err != nil {
			t.Fatalf("UploadTreatment(%s): %v", tc.cmd.Kind, err)
		}
		if len(got) != 1 || got[0].EventType != tc.eventType {
			t.Errorf("kind %s uploaded as %+v, want eventType %s", tc.cmd.Kind, got, tc.eventType)
		}
		if tc.cmd.Kind == models.CommandSetTempBasal && got[0].Absolute != 1.5 {
			t.Errorf("temp basal absolute = %v", got[0].Absolute)
		}
		if got[0].Automatic == tc.cmd.Manual {
			t.Errorf("automatic flag wrong for %s", tc.cmd.Kind)
		}
	}
}

func TestUploadDeviceStatus(t *testing.T) {
	var got DeviceStatus
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/devicestatus" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "", false)
	rate := 2.0
	rec := models.LoopCycleRecord{
		CycleID:    "c1",
		FinishedAt: time.Now(),
		IOB:        1.25,
		Recommendation: &models.Recommendation{Rate: &rate, Reason: "above target"},
	}
	status := &models.PumpStatus{ReservoirUnits: 140, BatteryPercent: 80}
	if err := c.UploadDeviceStatus(context.Background(), rec, status); err != nil {
		t.Fatalf("UploadDeviceStatus: %v", err)
	}
	if got.Device != "aidloop" {
		t.Errorf("device = %s", got.Device)
	}
	if got.Pump == nil || got.Pump.ReservoirUnits != 140 {
		t.Error("pump status missing from upload")
	}
	if got.OpenAPS["iob"] != 1.25 {
		t.Errorf("iob = %v", got.OpenAPS["iob"])
	}
}

func TestDoRequestErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(server.URL, "wrong", "", false)
	if err := c.TestConnection(context.Background()); err == nil {
		t.Error("expected error for 401 response")
	}
}
