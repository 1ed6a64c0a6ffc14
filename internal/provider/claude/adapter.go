// Package claude relays to the Anthropic Messages API with OAuth
// credentials.
package claude

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/convert"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/provider"
)

const (
	apiURL        = "https://api.anthropic.com/v1/messages"
	oauthTokenURL = "https://console.anthropic.com/v1/oauth/token"
	oauthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	apiVersion = "2023-06-01"
	betaHeader = "oauth-2025-04-20,fine-grained-tool-streaming-2025-05-14"

	expiryThreshold = 5 * time.Minute
)

type Adapter struct {
	cfg     *config.Config
	clients provider.ClientProvider
}

func New(cfg *config.Config, clients provider.ClientProvider) *Adapter {
	return &Adapter{cfg: cfg, clients: clients}
}

func (a *Adapter) Type() credential.ProviderType { return credential.ProviderClaude }

func (a *Adapter) ExpiryThreshold() time.Duration { return expiryThreshold }

func (a *Adapter) headers(node *credential.Node) http.Header {
	h := provider.BearerHeaders(node.Secrets.AccessToken)
	h.Set("anthropic-version", apiVersion)
	h.Set("anthropic-beta", betaHeader)
	return h
}

func (a *Adapter) Unary(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (*convert.ChatResponse, error) {
	ar := convert.AnthropicFromOpenAIRequest(req)
	ar.Stream = false

	var resp convert.AnthropicResponse
	client := a.clients.GetClient(node)
	if err := provider.DoJSON(ctx, client, http.MethodPost, apiURL, a.headers(node), ar, &resp); err != nil {
		return nil, err
	}
	return convert.OpenAIResponseFromAnthropic(&resp), nil
}

func (a *Adapter) Stream(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (provider.ChunkStream, error) {
	ar := convert.AnthropicFromOpenAIRequest(req)
	ar.Stream = true

	client := a.clients.GetClient(node)
	body, err := provider.OpenStream(ctx, client, http.MethodPost, apiURL, a.headers(node), ar)
	if err != nil {
		return nil, err
	}

	parser := &convert.AnthropicStreamParser{}
	return provider.NewSSEChunkStream(body, parser.Parse), nil
}

// ListModels returns the model families this credential serves. The
// Messages API has no listing endpoint for OAuth credentials.
func (a *Adapter) ListModels(ctx context.Context, node *credential.Node) ([]convert.Model, error) {
	ids := []string{
		"claude-sonnet-4-5",
		"claude-opus-4-1",
		"claude-haiku-4-5",
		"claude-3-5-haiku-latest",
	}
	models := make([]convert.Model, 0, len(ids))
	for _, id := range ids {
		models = append(models, convert.Model{ID: id, Object: "model", OwnedBy: "anthropic"})
	}
	return models, nil
}

func (a *Adapter) Refresh(ctx context.Context, node *credential.Node) (*provider.RefreshResult, error) {
	if node.Secrets.RefreshToken == "" {
		return nil, &provider.ErrInvalidGrant{Detail: "no refresh token on credential"}
	}

	return provider.RefreshWithBackoff(ctx, 3, a.cfg.RequestBaseDelay, func() (*provider.RefreshResult, error) {
		var resp struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int    `json:"expires_in"`
		}
		body := map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": node.Secrets.RefreshToken,
			"client_id":     oauthClientID,
		}
		client := &http.Client{Timeout: a.cfg.RefreshTimeout}
		if err := provider.DoJSON(ctx, client, http.MethodPost, oauthTokenURL, nil, body, &resp); err != nil {
			return nil, classifyRefreshError(err)
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

func classifyRefreshError(err error) error {
	if ue, ok := err.(*provider.UpstreamError); ok {
		if ue.Status >= 400 && ue.Status < 500 {
			return &provider.ErrInvalidGrant{Detail: ue.Error()}
		}
	}
	return err
}
