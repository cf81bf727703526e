// Package nightscout provides a client for interacting with the Nightscout API
package nightscout

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // Required for Nightscout API secret hashing (legacy API requirement)
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mrcode/aidloop/internal/models"
)

// Client handles communication with the Nightscout API. It implements the
// aggregation glucose and treatment stores.
type Client struct {
	baseURL    string
	apiSecret  string
	apiToken   string
	useToken   bool
	httpClient *http.Client
}

// NewClient creates a new Nightscout client
func NewClient(baseURL, apiSecret, apiToken string, useToken bool) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiSecret: apiSecret,
		apiToken:  apiToken,
		useToken:  useToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// hashSecret generates SHA1 hash of the API secret
// Note: SHA1 is required for Nightscout API compatibility
func hashSecret(secret string) string {
	hasher := sha1.New() //nolint:gosec // Required for Nightscout API
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

// buildRequest creates an HTTP request with proper authentication
func (c *Client) buildRequest(ctx context.Context, method, endpoint string, params url.Values, body []byte) (*http.Request, error) {
	fullURL := c.baseURL + endpoint
	if params != nil {
		fullURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	// Add authentication
	if c.useToken && c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	} else if c.apiSecret != "" {
		req.Header.Set("API-SECRET", hashSecret(c.apiSecret))
	}

	return req, nil
}

// doRequest executes an HTTP request and returns the response body
func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// ServerStatus is the Nightscout /status payload subset we care about.
type ServerStatus struct {
	Status         string `json:"status"`
	Name           string `json:"name"`
	Version        string `json:"version"`
	ServerTime     string `json:"serverTime"`
	APIEnabled     bool   `json:"apiEnabled"`
	CarelinkActive bool   `json:"careportalEnabled"`
}

// GetStatus retrieves the Nightscout server status
func (c *Client) GetStatus(ctx context.Context) (*ServerStatus, error) {
	req, err := c.buildRequest(ctx, "GET", "/api/v1/status", nil, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	var status ServerStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("parsing status: %w", err)
	}

	return &status, nil
}

// GlucoseHistory retrieves glucose readings since the given time, newest
// first, as the entries endpoint returns them.
func (c *Client) GlucoseHistory(ctx context.Context, since time.Time) ([]models.GlucoseReading, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("find[date][$gte]", fmt.Sprintf("%d", since.UnixMilli()))
	}
	params.Set("count", "600")

	req, err := c.buildRequest(ctx, "GET", "/api/v1/entries/sgv", params, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	var entries []models.GlucoseReading
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parsing entries: %w", err)
	}

	return entries, nil
}

// treatment is the wire shape of a Nightscout treatment document.
type treatment struct {
	ID           string  `json:"_id,omitempty"`
	EventType    string  `json:"eventType"`
	CreatedAt    string  `json:"created_at"`
	Insulin      float64 `json:"insulin,omitempty"`
	Carbs        float64 `json:"carbs,omitempty"`
	Rate         float64 `json:"rate,omitempty"`
	Absolute     float64 `json:"absolute,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	Automatic    bool    `json:"automatic,omitempty"`
	EnteredBy    string  `json:"enteredBy,omitempty"`
	Notes        string  `json:"notes,omitempty"`
	TargetTop    float64 `json:"targetTop,omitempty"`
	TargetBottom float64 `json:"targetBottom,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

func (t *treatment) time() time.Time {
	ts, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (c *Client) treatments(ctx context.Context, since time.Time, eventType string) ([]treatment, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("find[created_at][$gte]", since.UTC().Format(time.RFC3339))
	}
	if eventType != "" {
		params.Set("find[eventType]", eventType)
	}
	params.Set("count", "500")

	req, err := c.buildRequest(ctx, "GET", "/api/v1/treatments", params, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	var out []treatment
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parsing treatments: %w", err)
	}
	return out, nil
}

// PumpHistory retrieves dosing-relevant treatments since the given time and
// maps them onto pump events.
func (c *Client) PumpHistory(ctx context.Context, since time.Time) ([]models.PumpEvent, error) {
	docs, err := c.treatments(ctx, since, "")
	if err != nil {
		return nil, err
	}

	events := make([]models.PumpEvent, 0, len(docs))
	for _, d := range docs {
		switch d.EventType {
		case PumpEventTypesBolus, PumpEventTypesSMB, PumpEventTypesCarbs,
			PumpEventTypesTempBasal, PumpEventTypesCancelTemp,
			PumpEventTypesSuspend, PumpEventTypesResume:
		default:
			continue
		}
		rate := d.Rate
		if rate == 0 && d.Absolute > 0 {
			rate = d.Absolute
		}
		events = append(events, models.PumpEvent{
			ID:        d.ID,
			EventType: d.EventType,
			Date:      d.time().UnixMilli(),
			Insulin:   d.Insulin,
			Carbs:     d.Carbs,
			Rate:      rate,
			Duration:  d.Duration,
			Automatic: d.Automatic,
			EnteredBy: d.EnteredBy,
			Notes:     d.Notes,
		})
	}
	return events, nil
}

// Treatment event types on the Nightscout side.
const (
	PumpEventTypesBolus      = "Bolus"
	PumpEventTypesSMB        = "SMB"
	PumpEventTypesCarbs      = "Carb Correction"
	PumpEventTypesTempBasal  = "Temp Basal"
	PumpEventTypesCancelTemp = "Temp Basal Cancel"
	PumpEventTypesSuspend    = "Suspend Pump"
	PumpEventTypesResume     = "Resume Pump"
	eventTypeTempTarget      = "Temporary Target"
	eventTypeOverride        = "Profile Override"
)

// ActiveTempTargets returns temp targets started in the last day. The
// aggregator filters for ones still in effect.
func (c *Client) ActiveTempTargets(ctx context.Context) ([]models.TempTarget, error) {
	docs, err := c.treatments(ctx, time.Now().Add(-24*time.Hour), eventTypeTempTarget)
	if err != nil {
		return nil, err
	}
	targets := make([]models.TempTarget, 0, len(docs))
	for _, d := range docs {
		targets = append(targets, models.TempTarget{
			Top:             d.TargetTop,
			Bottom:          d.TargetBottom,
			StartedAt:       d.time(),
			DurationMinutes: int(d.Duration),
			Reason:          d.Reason,
		})
	}
	return targets, nil
}

// ActiveOverrides returns profile overrides started in the last day.
func (c *Client) ActiveOverrides(ctx context.Context) ([]models.Override, error) {
	docs, err := c.treatments(ctx, time.Now().Add(-24*time.Hour), eventTypeOverride)
	if err != nil {
		return nil, err
	}
	overrides := make([]models.Override, 0, len(docs))
	for _, d := range docs {
		overrides = append(overrides, models.Override{
			Name:            d.Reason,
			StartedAt:       d.time(),
			DurationMinutes: int(d.Duration),
		})
	}
	return overrides, nil
}

// DeviceStatus is the uploaded loop state document.
type DeviceStatus struct {
	Device    string                 `json:"device"`
	CreatedAt string                 `json:"created_at"`
	OpenAPS   map[string]interface{} `json:"openaps,omitempty"`
	Pump      *models.PumpStatus     `json:"pump,omitempty"`
	Uploader  map[string]interface{} `json:"uploader,omitempty"`
}

// UploadDeviceStatus posts the loop's state after a cycle so remote
// followers see what the loop decided.
func (c *Client) UploadDeviceStatus(ctx context.Context, rec models.LoopCycleRecord, pumpStatus *models.PumpStatus) error {
	doc := DeviceStatus{
		Device:    "aidloop",
		CreatedAt: rec.FinishedAt.UTC().Format(time.RFC3339),
		Pump:      pumpStatus,
		OpenAPS: map[string]interface{}{
			"suggested": rec.Recommendation,
			"enacted":   rec.ValidatedCommand,
			"iob":       rec.IOB,
		},
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding device status: %w", err)
	}

	req, err := c.buildRequest(ctx, "POST", "/api/v1/devicestatus", nil, body)
	if err != nil {
		return err
	}
	if _, err := c.doRequest(req); err != nil {
		return fmt.Errorf("uploading device status: %w", err)
	}
	return nil
}

// UploadTreatment posts an enacted dose back to Nightscout.
func (c *Client) UploadTreatment(ctx context.Context, cmd models.ValidatedCommand, at time.Time) error {
	doc := treatment{
		CreatedAt: at.UTC().Format(time.RFC3339),
		EnteredBy: "aidloop",
		Automatic: !cmd.Manual,
	}
	switch cmd.Kind {
	case models.CommandBolus:
		doc.EventType = PumpEventTypesSMB
		if cmd.Manual {
			doc.EventType = PumpEventTypesBolus
		}
		doc.Insulin = cmd.Units
	case models.CommandSetTempBasal:
		doc.EventType = PumpEventTypesTempBasal
		doc.Rate = cmd.Rate
		doc.Absolute = cmd.Rate
		doc.Duration = float64(cmd.DurationMinutes)
	case models.CommandCancelTempBasal:
		doc.EventType = PumpEventTypesCancelTemp
	}

	body, err := json.Marshal([]treatment{doc})
	if err != nil {
		return fmt.Errorf("encoding treatment: %w", err)
	}
	req, err := c.buildRequest(ctx, "POST", "/api/v1/treatments", nil, body)
	if err != nil {
		return err
	}
	if _, err := c.doRequest(req); err != nil {
		return fmt.Errorf("uploading treatment: %w", err)
	}
	return nil
}

// TestConnection tests if the connection to Nightscout works
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.GetStatus(ctx)
	return err
}
