// Package codex relays to the ChatGPT Codex backend through OpenAI OAuth
// credentials, pinning upstream conversations per (model, user).
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/convert"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/provider"
)

const (
	oauthTokenURL = "https://auth.openai.com/oauth/token"
	oauthClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	expiryThreshold = 5 * time.Minute
)

type Adapter struct {
	cfg           *config.Config
	clients       provider.ClientProvider
	conversations *conversationCache
}

func New(cfg *config.Config, clients provider.ClientProvider) *Adapter {
	return &Adapter{
		cfg:           cfg,
		clients:       clients,
		conversations: newConversationCache(),
	}
}

func (a *Adapter) Type() credential.ProviderType { return credential.ProviderCodex }

func (a *Adapter) ExpiryThreshold() time.Duration { return expiryThreshold }

// RunCleanup runs the conversation cache purger.
func (a *Adapter) RunCleanup(ctx context.Context) {
	a.conversations.RunCleanup(ctx)
}

func (a *Adapter) completionsURL() string {
	return strings.TrimSuffix(a.cfg.CodexBaseURL, "/") + "/chat/completions"
}

func (a *Adapter) headers(node *credential.Node, req *convert.ChatRequest) http.Header {
	h := provider.BearerHeaders(node.Secrets.AccessToken)
	if node.Secrets.AccountID != "" {
		h.Set("chatgpt-account-id", node.Secrets.AccountID)
	}
	userID := req.User
	if userID == "" {
		userID = a.cfg.CodexEmail
	}
	h.Set("conversation-id", a.conversations.Get(req.Model, userID))
	h.Set("originator", "codex_cli_go")
	return h
}

func (a *Adapter) Unary(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (*convert.ChatResponse, error) {
	out := *req
	out.Stream = false
	out.Compact = false

	var resp convert.ChatResponse
	client := a.clients.GetClient(node)
	if err := provider.DoJSON(ctx, client, http.MethodPost, a.completionsURL(), a.headers(node, req), &out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Adapter) Stream(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (provider.ChunkStream, error) {
	out := *req
	out.Stream = true
	out.Compact = false

	client := a.clients.GetClient(node)
	body, err := provider.OpenStream(ctx, client, http.MethodPost, a.completionsURL(), a.headers(node, req), &out)
	if err != nil {
		return nil, err
	}
	return provider.NewOpenAIChunkStream(body), nil
}

func (a *Adapter) ListModels(ctx context.Context, node *credential.Node) ([]convert.Model, error) {
	ids := []string{"gpt-5", "gpt-5-codex", "gpt-4.1", "o4-mini"}
	models := make([]convert.Model, 0, len(ids))
	for _, id := range ids {
		models = append(models, convert.Model{ID: id, Object: "model", OwnedBy: "openai"})
	}
	return models, nil
}

func (a *Adapter) Refresh(ctx context.Context, node *credential.Node) (*provider.RefreshResult, error) {
	if node.Secrets.RefreshToken == "" {
		return nil, &provider.ErrInvalidGrant{Detail: "no refresh token on credential"}
	}

	return provider.RefreshWithBackoff(ctx, 3, a.cfg.RequestBaseDelay, func() (*provider.RefreshResult, error) {
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {oauthClientID},
			"refresh_token": {node.Secrets.RefreshToken},
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		client := &http.Client{Timeout: a.cfg.RefreshTimeout}
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var tokenResp struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int    `json:"expires_in"`
			Error        string `json:"error"`
		}
		if err := decodeJSONResponse(resp, &tokenResp); err != nil {
			return nil, err
		}
		if tokenResp.Error == "invalid_grant" {
			return nil, &provider.ErrInvalidGrant{Detail: "codex refresh token revoked"}
		}
		if tokenResp.AccessToken == "" {
			return nil, fmt.Errorf("empty access_token in refresh response")
		}
		return &provider.RefreshResult{
			AccessToken:  tokenResp.AccessToken,
			RefreshToken: tokenResp.RefreshToken,
			ExpiresAt:    provider.ExpiryFromSeconds(tokenResp.ExpiresIn),
		}, nil
	})
}

// decodeJSONResponse parses a token-endpoint response. 4xx bodies still
// parse so the invalid_grant marker is visible; 5xx surface as upstream
// errors for the retry loop.
func decodeJSONResponse(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return &provider.UpstreamError{Status: resp.StatusCode, Body: body, Header: resp.Header}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse token response (%d): %w", resp.StatusCode, err)
	}
	return nil
}
