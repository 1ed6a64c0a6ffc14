// Package qwen relays to the Qwen OpenAI-compatible endpoint with
// device-flow OAuth credentials.
package qwen

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/convert"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/provider"
)

const (
	oauthTokenURL = "https://chat.qwen.ai/api/v1/oauth2/token"
	oauthClientID = "f0304373b74a44d2b584a3fb70ca9e56"

	expiryThreshold = 5 * time.Minute
)

type Adapter struct {
	cfg     *config.Config
	clients provider.ClientProvider
}

func New(cfg *config.Config, clients provider.ClientProvider) *Adapter {
	return &Adapter{cfg: cfg, clients: clients}
}

func (a *Adapter) Type() credential.ProviderType { return credential.ProviderQwen }

func (a *Adapter) ExpiryThreshold() time.Duration { return expiryThreshold }

func (a *Adapter) completionsURL() string {
	return strings.TrimSuffix(a.cfg.QwenBaseURL, "/") + "/chat/completions"
}

func (a *Adapter) Unary(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (*convert.ChatResponse, error) {
	out := *req
	out.Stream = false
	out.Compact = false

	var resp convert.ChatResponse
	client := a.clients.GetClient(node)
	if err := provider.DoJSON(ctx, client, http.MethodPost, a.completionsURL(), provider.BearerHeaders(node.Secrets.AccessToken), &out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Adapter) Stream(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (provider.ChunkStream, error) {
	out := *req
	out.Stream = true
	out.Compact = false

	client := a.clients.GetClient(node)
	body, err := provider.OpenStream(ctx, client, http.MethodPost, a.completionsURL(), provider.BearerHeaders(node.Secrets.AccessToken), &out)
	if err != nil {
		return nil, err
	}
	return provider.NewOpenAIChunkStream(body), nil
}

func (a *Adapter) ListModels(ctx context.Context, node *credential.Node) ([]convert.Model, error) {
	url := strings.TrimSuffix(a.cfg.QwenBaseURL, "/") + "/models"

	var resp convert.ModelList
	client := a.clients.GetClient(node)
	if err := provider.DoJSON(ctx, client, http.MethodGet, url, provider.BearerHeaders(node.Secrets.AccessToken), nil, &resp); err != nil {
		// The models endpoint is optional on some deployments.
		return []convert.Model{
			{ID: "qwen3-coder-plus", Object: "model", OwnedBy: "qwen"},
			{ID: "qwen3-coder-flash", Object: "model", OwnedBy: "qwen"},
		}, nil
	}
	return resp.Data, nil
}

func (a *Adapter) Refresh(ctx context.Context, node *credential.Node) (*provider.RefreshResult, error) {
	if node.Secrets.RefreshToken == "" {
		return nil, &provider.ErrInvalidGrant{Detail: "no refresh token on credential"}
	}

	return provider.RefreshWithBackoff(ctx, 3, a.cfg.RequestBaseDelay, func() (*provider.RefreshResult, error) {
		body := map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": node.Secrets.RefreshToken,
			"client_id":     oauthClientID,
		}

		var resp struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int    `json:"expires_in"`
			Error        string `json:"error"`
		}
		client := &http.Client{Timeout: a.cfg.RefreshTimeout}
		if err := provider.DoJSON(ctx, client, http.MethodPost, oauthTokenURL, nil, body, &resp); err != nil {
			if ue, ok := err.(*provider.UpstreamError); ok && ue.Status >= 400 && ue.Status < 500 {
				return nil, &provider.ErrInvalidGrant{Detail: ue.Error()}
			}
			return nil, err
		}
		if resp.Error == "invalid_grant" {
			return nil, &provider.ErrInvalidGrant{Detail: "qwen refresh token revoked"}
		}
		if resp.AccessToken == "" {
			return nil, fmt.Errorf("empty access_token in refresh response")
		}
		return &provider.RefreshResult{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresAt:    provider.ExpiryFromSeconds(resp.ExpiresIn),
		}, nil
	})
}
