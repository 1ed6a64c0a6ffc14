package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DeviceAuthorization is the provider's response to a device-flow start.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// DeviceTokens is the terminal result of a device-flow poll.
type DeviceTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// PollDeviceToken polls the token endpoint until the user approves, the
// provider rejects, or the deadline passes. Poll cadence follows the
// provider's interval, defaulting to one second.
func PollDeviceToken(ctx context.Context, client *http.Client, tokenURL string, form map[string]string, auth *DeviceAuthorization, timeout time.Duration) (*DeviceTokens, error) {
	interval := time.Duration(auth.Interval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(timeout)
	if auth.ExpiresIn > 0 {
		if provDeadline := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second); provDeadline.Before(deadline) {
			deadline = provDeadline
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return nil, ErrSessionExpired
		}

		tokens, retry, err := requestDeviceToken(ctx, client, tokenURL, form)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return tokens, nil
	}
}

func requestDeviceToken(ctx context.Context, client *http.Client, tokenURL string, form map[string]string) (*DeviceTokens, bool, error) {
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}

	var payload struct {
		DeviceTokens
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, fmt.Errorf("parse device token response (%d): %w", resp.StatusCode, err)
	}

	switch payload.Error {
	case "":
		if payload.AccessToken == "" {
			return nil, false, errors.New("empty access_token in device token response")
		}
		return &payload.DeviceTokens, false, nil
	case "authorization_pending", "slow_down":
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("device authorization failed: %s", payload.Error)
	}
}
