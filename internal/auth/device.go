// Package auth implements the device-code login flow: the CLI requests
// a short user code, the user confirms it in the browser, and the CLI
// polls until a token is issued.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrPending is returned by Poll while the user has not yet confirmed
// the code in the browser.
var ErrPending = fmt.Errorf("authorization pending")

type deviceCodeResponse struct {
	DeviceCode string `json:"device_code"`
	UserCode   string `json:"user_code"`
	ExpiresIn  int64  `json:"expires_in"`
}

// DeviceFlow drives one login attempt. Not safe for concurrent use.
type DeviceFlow struct {
	BaseURL    string
	Logger     *slog.Logger
	HTTPClient *http.Client

	deviceCode string
	userCode   string
	expiresAt  time.Time
}

func (f *DeviceFlow) client() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}

func (f *DeviceFlow) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Start requests a device code and returns the user code to display.
func (f *DeviceFlow) Start(ctx context.Context) (string, error) {
	reqURL := strings.TrimRight(f.BaseURL, "/") + "/api/v1/device"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("initiate device flow: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("initiate device flow: HTTP %d", resp.StatusCode)
	}

	var dc deviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&dc); err != nil {
		return "", fmt.Errorf("parse device code response: %w", err)
	}

	f.deviceCode = dc.DeviceCode
	f.userCode = dc.UserCode
	f.expiresAt = time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)
	f.logger().Debug("device flow started", "expires_in", dc.ExpiresIn)
	return dc.UserCode, nil
}

// Poll asks once whether the user has confirmed the code. It returns the
// access token when authorization succeeded and ErrPending while the
// confirmation is still outstanding.
func (f *DeviceFlow) Poll(ctx context.Context) (string, error) {
	if f.deviceCode == "" {
		return "", fmt.Errorf("device flow not started")
	}
	reqURL := strings.TrimRight(f.BaseURL, "/") + "/api/v1/device?device_code=" + url.QueryEscape(f.deviceCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("poll device flow: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("device code not found or expired")
	default:
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("poll device flow: HTTP %d", resp.StatusCode)
	}

	// A 200 either carries the token or a pending/error marker.
	var body struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("parse poll response: %w", err)
	}
	switch {
	case body.AccessToken != "":
		return body.AccessToken, nil
	case body.Error == "authorization_pending":
		return "", ErrPending
	case body.Error != "":
		return "", fmt.Errorf("authorization error: %s", body.Error)
	default:
		return "", fmt.Errorf("unexpected poll response")
	}
}

// FormattedUserCode renders the user code as XXXX-XXXX for display.
func (f *DeviceFlow) FormattedUserCode() string {
	if len(f.userCode) == 8 {
		return f.userCode[:4] + "-" + f.userCode[4:]
	}
	return f.userCode
}

// TimeRemaining returns how long the device code is still valid.
func (f *DeviceFlow) TimeRemaining() time.Duration {
	if f.expiresAt.IsZero() {
		return 0
	}
	if remaining := time.Until(f.expiresAt); remaining > 0 {
		return remaining
	}
	return 0
}
