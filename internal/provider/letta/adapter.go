// Package letta relays chat traffic to a Letta agent over its
// OpenAI-compatible surface.
package letta

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

// Letta tokens are long-lived; refresh a day ahead.
const expiryThreshold = 24 * time.Hour

type Adapter struct {
	cfg     *config.Config
	clients provider.ClientProvider
}

func New(cfg *config.Config, clients provider.ClientProvider) *Adapter {
	return &Adapter{cfg: cfg, clients: clients}
}

func (a *Adapter) Type() credential.ProviderType { return credential.ProviderLetta }

func (a *Adapter) ExpiryThreshold() time.Duration { return expiryThreshold }

func (a *Adapter) agentID(node *credential.Node) string {
	if node.Secrets.AgentID != "" {
		return node.Secrets.AgentID
	}
	return a.cfg.LettaAgentID
}

func (a *Adapter) chatURL(node *credential.Node) string {
	return fmt.Sprintf("%s/v1/agents/%s/chat/completions",
		strings.TrimSuffix(a.cfg.LettaBaseURL, "/"), a.agentID(node))
}

func (a *Adapter) Unary(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (*convert.ChatResponse, error) {
	if a.agentID(node) == "" {
		return nil, &provider.ErrInvalidGrant{Detail: "no LETTA_AGENT_ID configured"}
	}
	out := *req
	out.Stream = false
	out.Compact = false

	var resp convert.ChatResponse
	client := a.clients.GetClient(node)
	if err := provider.DoJSON(ctx, client, http.MethodPost, a.chatURL(node), provider.BearerHeaders(node.Secrets.AccessToken), &out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Adapter) Stream(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (provider.ChunkStream, error) {
	if a.agentID(node) == "" {
		return nil, &provider.ErrInvalidGrant{Detail: "no LETTA_AGENT_ID configured"}
	}
	out := *req
	out.Stream = true
	out.Compact = false

	client := a.clients.GetClient(node)
	body, err := provider.OpenStream(ctx, client, http.MethodPost, a.chatURL(node), provider.BearerHeaders(node.Secrets.AccessToken), &out)
	if err != nil {
		return nil, err
	}
	return provider.NewOpenAIChunkStream(body), nil
}

// ListModels surfaces the bound agent as a single routable model.
func (a *Adapter) ListModels(ctx context.Context, node *credential.Node) ([]convert.Model, error) {
	id := a.agentID(node)
	if id == "" {
		return nil, nil
	}
	return []convert.Model{{ID: "letta/" + id, Object: "model", OwnedBy: "letta"}}, nil
}

func (a *Adapter) Refresh(ctx context.Context, node *credential.Node) (*provider.RefreshResult, error) {
	if node.Secrets.RefreshToken == "" {
		return nil, &provider.ErrInvalidGrant{Detail: "no refresh token on credential"}
	}

	url := strings.TrimSuffix(a.cfg.LettaBaseURL, "/") + "/v1/auth/refresh"

	return provider.RefreshWithBackoff(ctx, 3, a.cfg.RequestBaseDelay, func() (*provider.RefreshResult, error) {
		body := map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": node.Secrets.RefreshToken,
		}

		var resp struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int    `json:"expires_in"`
		}
		client := &http.Client{Timeout: a.cfg.RefreshTimeout}
		if err := provider.DoJSON(ctx, client, http.MethodPost, url, nil, body, &resp); err != nil {
			if ue, ok := err.(*provider.UpstreamError); ok && ue.Status >= 400 && ue.Status < 500 {
				return nil, &provider.ErrInvalidGrant{Detail: ue.Error()}
			}
			return nil, err
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
