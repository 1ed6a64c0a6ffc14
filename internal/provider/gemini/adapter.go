// Package gemini relays to the Google Gemini API with Cloud Code OAuth
// credentials.
package gemini

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
	baseURL       = "https://generativelanguage.googleapis.com/v1beta"
	oauthTokenURL = "https://oauth2.googleapis.com/token"

	// Public Gemini CLI OAuth client.
	oauthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	oauthClientSecret = "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"

	expiryThreshold = 5 * time.Minute
)

type Adapter struct {
	cfg     *config.Config
	clients provider.ClientProvider
}

func New(cfg *config.Config, clients provider.ClientProvider) *Adapter {
	return &Adapter{cfg: cfg, clients: clients}
}

func (a *Adapter) Type() credential.ProviderType { return credential.ProviderGemini }

func (a *Adapter) ExpiryThreshold() time.Duration { return expiryThreshold }

func (a *Adapter) Unary(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (*convert.ChatResponse, error) {
	gr := convert.GeminiFromOpenAIRequest(req)
	url := fmt.Sprintf("%s/models/%s:generateContent", baseURL, req.Model)

	var resp convert.GeminiResponse
	client := a.clients.GetClient(node)
	if err := provider.DoJSON(ctx, client, http.MethodPost, url, provider.BearerHeaders(node.Secrets.AccessToken), gr, &resp); err != nil {
		return nil, err
	}
	return convert.OpenAIResponseFromGemini(&resp, req.Model), nil
}

func (a *Adapter) Stream(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (provider.ChunkStream, error) {
	gr := convert.GeminiFromOpenAIRequest(req)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", baseURL, req.Model)

	client := a.clients.GetClient(node)
	body, err := provider.OpenStream(ctx, client, http.MethodPost, url, provider.BearerHeaders(node.Secrets.AccessToken), gr)
	if err != nil {
		return nil, err
	}

	parser := convert.NewGeminiStreamParser(req.Model)
	return provider.NewSSEChunkStream(body, func(ev *convert.SSEEvent) ([]convert.ChatChunk, bool, error) {
		if ev.Data == "" {
			return nil, false, nil
		}
		chunks, err := parser.Parse(ev.Data)
		return chunks, false, err
	}), nil
}

func (a *Adapter) ListModels(ctx context.Context, node *credential.Node) ([]convert.Model, error) {
	var resp struct {
		Models []struct {
			Name        string `json:"name"` // models/<id>
			DisplayName string `json:"displayName"`
		} `json:"models"`
	}
	client := a.clients.GetClient(node)
	if err := provider.DoJSON(ctx, client, http.MethodGet, baseURL+"/models", provider.BearerHeaders(node.Secrets.AccessToken), nil, &resp); err != nil {
		return nil, err
	}

	models := make([]convert.Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		id := m.Name
		if len(id) > len("models/") && id[:len("models/")] == "models/" {
			id = id[len("models/"):]
		}
		models = append(models, convert.Model{ID: id, Object: "model", OwnedBy: "google"})
	}
	return models, nil
}

func (a *Adapter) Refresh(ctx context.Context, node *credential.Node) (*provider.RefreshResult, error) {
	if node.Secrets.RefreshToken == "" {
		return nil, &provider.ErrInvalidGrant{Detail: "no refresh token on credential"}
	}

	clientID := node.Secrets.ClientID
	clientSecret := node.Secrets.ClientSecret
	if clientID == "" {
		clientID, clientSecret = oauthClientID, oauthClientSecret
	}

	return provider.RefreshWithBackoff(ctx, 3, a.cfg.RequestBaseDelay, func() (*provider.RefreshResult, error) {
		body := map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": node.Secrets.RefreshToken,
			"client_id":     clientID,
			"client_secret": clientSecret,
		}

		var resp struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		client := &http.Client{Timeout: a.cfg.RefreshTimeout}
		if err := provider.DoJSON(ctx, client, http.MethodPost, oauthTokenURL, nil, body, &resp); err != nil {
			if ue, ok := err.(*provider.UpstreamError); ok && ue.Status >= 400 && ue.Status < 500 {
				return nil, &provider.ErrInvalidGrant{Detail: ue.Error()}
			}
			return nil, err
		}
		if resp.AccessToken == "" {
			return nil, fmt.Errorf("empty access_token in refresh response")
		}
		// Google does not rotate the refresh token.
		return &provider.RefreshResult{
			AccessToken:  resp.AccessToken,
			RefreshToken: node.Secrets.RefreshToken,
			ExpiresAt:    provider.ExpiryFromSeconds(resp.ExpiresIn),
		}, nil
	})
}
