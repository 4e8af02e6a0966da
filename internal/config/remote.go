package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// NotBoundError reports that the manager API does not know the device yet.
// BindCode, when present, is the code the user must enter in the manager UI.
type NotBoundError struct {
	BindCode string
}

func (e *NotBoundError) Error() string {
	return "config: device not bound"
}

// DeviceSettings are the private per-device settings served by the manager
// API. Zero-valued fields keep the gateway-wide default.
type DeviceSettings struct {
	SystemPrompt        string   `json:"system_prompt"`
	Language            string   `json:"language"`
	VoiceID             string   `json:"voice_id"`
	VoiceProvider       string   `json:"voice_provider"`
	SpeedFactor         float64  `json:"speed_factor"`
	WakeWords           []string `json:"wake_words"`
	CloseNoVoiceSeconds int      `json:"close_connection_no_voice_time"`
	MaxOutputTurns      int      `json:"max_output_turns"`
}

// Remote is the manager API client. All requests carry the shared secret as
// a Bearer token and are bounded by the configured timeout.
type Remote struct {
	baseURL string
	secret  string
	httpc   *http.Client
}

// NewRemote creates a manager API client from the manager section.
func NewRemote(cfg ManagerConfig) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		secret:  cfg.Secret,
		httpc:   &http.Client{Timeout: cfg.Timeout()},
	}
}

// DeviceSettings fetches the private settings for one device. A 404 answer
// is returned as a *NotBoundError carrying the bind code from the response
// body, when the manager supplied one.
func (r *Remote) DeviceSettings(ctx context.Context, deviceID, clientID string) (DeviceSettings, error) {
	var out DeviceSettings

	q := url.Values{}
	q.Set("device_id", deviceID)
	q.Set("client_id", clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/device/config?"+q.Encode(), nil)
	if err != nil {
		return out, fmt.Errorf("config: build manager request: %w", err)
	}
	if r.secret != "" {
		req.Header.Set("Authorization", "Bearer "+r.secret)
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		return out, fmt.Errorf("config: manager request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, fmt.Errorf("config: read manager response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.Unmarshal(body, &out); err != nil {
			return out, fmt.Errorf("config: decode device settings: %w", err)
		}
		return out, nil

	case http.StatusNotFound:
		var nb struct {
			BindCode string `json:"bind_code"`
		}
		// An unparsable body still means "not bound", just without a code.
		_ = json.Unmarshal(body, &nb)
		return out, &NotBoundError{BindCode: nb.BindCode}

	default:
		return out, fmt.Errorf("config: manager responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
