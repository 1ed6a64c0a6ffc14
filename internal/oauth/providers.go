package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/makihq/maki-gateway/internal/credential"
)

// RedirectStyle selects how the authorization code travels back.
type RedirectStyle string

const (
	// RedirectLoopback runs an ephemeral local callback server.
	RedirectLoopback RedirectStyle = "loopback"
	// RedirectCloud returns the auth URL to the admin UI, which later posts
	// the code back through the exchange endpoint.
	RedirectCloud RedirectStyle = "cloud"
	// RedirectDevice polls a device authorization endpoint.
	RedirectDevice RedirectStyle = "device"
)

// Flow describes one provider family's acquisition endpoints.
type Flow struct {
	ProviderType credential.ProviderType
	Style        RedirectStyle
	AuthorizeURL string
	TokenURL     string
	DeviceURL    string
	ClientID     string
	Scope        string
	RedirectURI  string // cloud flows; loopback flows derive theirs
	ExtraParams  map[string]string
}

// Flows enumerates the supported acquisition flows.
func Flows() map[credential.ProviderType]Flow {
	return map[credential.ProviderType]Flow{
		credential.ProviderClaude: {
			ProviderType: credential.ProviderClaude,
			Style:        RedirectCloud,
			AuthorizeURL: "https://claude.ai/oauth/authorize",
			TokenURL:     "https://console.anthropic.com/v1/oauth/token",
			ClientID:     "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			Scope:        "org:create_api_key user:profile user:inference",
			RedirectURI:  "https://platform.claude.com/oauth/code/callback",
			ExtraParams:  map[string]string{"code": "true"},
		},
		credential.ProviderCodex: {
			ProviderType: credential.ProviderCodex,
			Style:        RedirectLoopback,
			AuthorizeURL: "https://auth.openai.com/oauth/authorize",
			TokenURL:     "https://auth.openai.com/oauth/token",
			ClientID:     "app_EMoamEEZ73f0CkXaXp7hrann",
			Scope:        "openid profile email offline_access",
			ExtraParams: map[string]string{
				"id_token_add_organizations": "true",
				"codex_cli_simplified_flow":  "true",
			},
		},
		credential.ProviderGemini: {
			ProviderType: credential.ProviderGemini,
			Style:        RedirectLoopback,
			AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
			Scope:        "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email",
			ExtraParams: map[string]string{
				"access_type": "offline",
				"prompt":      "consent",
			},
		},
		credential.ProviderQwen: {
			ProviderType: credential.ProviderQwen,
			Style:        RedirectDevice,
			TokenURL:     "https://chat.qwen.ai/api/v1/oauth2/token",
			DeviceURL:    "https://chat.qwen.ai/api/v1/oauth2/device/code",
			ClientID:     "f0304373b74a44d2b584a3fb70ca9e56",
			Scope:        "openid profile email model.completion",
		},
		credential.ProviderKiro: {
			ProviderType: credential.ProviderKiro,
			Style:        RedirectDevice,
			TokenURL:     "https://oidc.us-east-1.amazonaws.com/token",
			DeviceURL:    "https://oidc.us-east-1.amazonaws.com/device_authorization",
			Scope:        "codewhisperer:completions codewhisperer:conversations",
		},
		credential.ProviderLetta: {
			ProviderType: credential.ProviderLetta,
			Style:        RedirectCloud,
			AuthorizeURL: "https://app.letta.com/oauth/authorize",
			TokenURL:     "https://api.letta.com/v1/auth/token",
			ClientID:     "letta-gateway",
			Scope:        "agents:read agents:write inference",
			RedirectURI:  "https://app.letta.com/oauth/code/callback",
		},
	}
}

// AuthURL builds the authorization URL for a PKCE flow.
func (f Flow) AuthURL(redirectURI string, p PKCE, state string) string {
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {f.ClientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {f.Scope},
		"state":                 {state},
		"code_challenge":        {p.Challenge},
		"code_challenge_method": {"S256"},
	}
	for k, v := range f.ExtraParams {
		params.Set(k, v)
	}
	return f.AuthorizeURL + "?" + params.Encode()
}

// TokenResponse is the common token-endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode swaps an authorization code plus verifier for tokens.
func (f Flow) ExchangeCode(ctx context.Context, code, verifier, redirectURI, state string) (*TokenResponse, error) {
	body := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     f.ClientID,
		"code":          code,
		"redirect_uri":  redirectURI,
		"code_verifier": verifier,
	}
	if state != "" {
		body["state"] = state
	}

	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.TokenURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, snippet(respBody))
	}

	var tokens TokenResponse
	if err := json.Unmarshal(respBody, &tokens); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in token response")
	}
	return &tokens, nil
}

// StartDevice begins a device authorization.
func (f Flow) StartDevice(ctx context.Context, clientID, clientSecret string) (*DeviceAuthorization, error) {
	if clientID == "" {
		clientID = f.ClientID
	}
	form := url.Values{
		"client_id": {clientID},
		"scope":     {f.Scope},
	}
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.DeviceURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device endpoint returned %d: %s", resp.StatusCode, snippet(respBody))
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(respBody, &auth); err != nil {
		return nil, fmt.Errorf("parse device authorization: %w", err)
	}
	if auth.DeviceCode == "" {
		return nil, fmt.Errorf("empty device_code in response")
	}
	return &auth, nil
}

// ParseIDTokenClaims extracts account identifiers from a JWT id_token
// payload without verifying the signature; the token came straight from the
// provider over TLS.
func ParseIDTokenClaims(idToken string) (accountID, email string) {
	parts := strings.Split(idToken, ".")
	if len(parts) < 2 {
		return "", ""
	}
	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	data, err := base64Decode(payload)
	if err != nil {
		return "", ""
	}

	var claims struct {
		Email string `json:"email"`
		Sub   string `json:"sub"`
		Auth  struct {
			ChatGPTAccountID string `json:"chatgpt_account_id"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(data, &claims); err != nil {
		return "", ""
	}
	accountID = claims.Auth.ChatGPTAccountID
	if accountID == "" {
		accountID = claims.Sub
	}
	return accountID, claims.Email
}

func base64Decode(s string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(s)
}

func snippet(b []byte) string {
	s := string(b)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
