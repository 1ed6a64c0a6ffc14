// Package kiro relays to AWS CodeWhisperer ("Kiro") with per-account OAuth
// credentials and sticky machine identifiers.
package kiro

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
	defaultRegion = "us-east-1"

	// Social logins refresh against the Kiro desktop auth service; AWS
	// Builder ID / IdC logins use the OIDC token endpoint with their client
	// credentials.
	socialRefreshURL = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	idcRefreshURL    = "https://oidc.%s.amazonaws.com/token"

	expiryThreshold = 10 * time.Minute
)

// AuthMethodSocial is the auth_method marker for social-login credentials.
const AuthMethodSocial = "social"

type Adapter struct {
	cfg     *config.Config
	clients provider.ClientProvider
}

func New(cfg *config.Config, clients provider.ClientProvider) *Adapter {
	return &Adapter{cfg: cfg, clients: clients}
}

func (a *Adapter) Type() credential.ProviderType { return credential.ProviderKiro }

func (a *Adapter) ExpiryThreshold() time.Duration { return expiryThreshold }

func region(node *credential.Node) string {
	if node.Secrets.Region != "" {
		return node.Secrets.Region
	}
	return defaultRegion
}

func apiURL(node *credential.Node) string {
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/assistant/messages", region(node))
}

func (a *Adapter) headers(node *credential.Node) http.Header {
	h := provider.BearerHeaders(node.Secrets.AccessToken)
	h.Set("x-amzn-kiro-agent-mode", "chat")
	h.Set("x-amzn-codewhisperer-machine-id", credential.MachineID(node))
	if node.Secrets.AccountID != "" {
		h.Set("x-amzn-codewhisperer-account-id", node.Secrets.AccountID)
	}
	return h
}

func (a *Adapter) Unary(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (*convert.ChatResponse, error) {
	ar := convert.AnthropicFromOpenAIRequest(req)
	ar.Stream = false

	var resp convert.AnthropicResponse
	client := a.clients.GetClient(node)
	if err := provider.DoJSON(ctx, client, http.MethodPost, apiURL(node), a.headers(node), ar, &resp); err != nil {
		return nil, err
	}
	return convert.OpenAIResponseFromAnthropic(&resp), nil
}

func (a *Adapter) Stream(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (provider.ChunkStream, error) {
	ar := convert.AnthropicFromOpenAIRequest(req)
	ar.Stream = true

	client := a.clients.GetClient(node)
	body, err := provider.OpenStream(ctx, client, http.MethodPost, apiURL(node), a.headers(node), ar)
	if err != nil {
		return nil, err
	}

	parser := &convert.AnthropicStreamParser{}
	return provider.NewSSEChunkStream(body, parser.Parse), nil
}

func (a *Adapter) ListModels(ctx context.Context, node *credential.Node) ([]convert.Model, error) {
	ids := []string{
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
		"amazonq-developer",
	}
	models := make([]convert.Model, 0, len(ids))
	for _, id := range ids {
		models = append(models, convert.Model{ID: id, Object: "model", OwnedBy: "kiro"})
	}
	return models, nil
}

func (a *Adapter) Refresh(ctx context.Context, node *credential.Node) (*provider.RefreshResult, error) {
	if node.Secrets.RefreshToken == "" {
		return nil, &provider.ErrInvalidGrant{Detail: "no refresh token on credential"}
	}

	return provider.RefreshWithBackoff(ctx, 3, a.cfg.RequestBaseDelay, func() (*provider.RefreshResult, error) {
		if node.Secrets.AuthMethod == AuthMethodSocial {
			return a.refreshSocial(ctx, node)
		}
		return a.refreshIdC(ctx, node)
	})
}

func (a *Adapter) refreshSocial(ctx context.Context, node *credential.Node) (*provider.RefreshResult, error) {
	url := fmt.Sprintf(socialRefreshURL, region(node))
	body := map[string]string{"refreshToken": node.Secrets.RefreshToken}

	var resp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	client := &http.Client{Timeout: a.cfg.RefreshTimeout}
	if err := provider.DoJSON(ctx, client, http.MethodPost, url, nil, body, &resp); err != nil {
		return nil, classifyRefreshError(err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("empty accessToken in refresh response")
	}
	return &provider.RefreshResult{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    provider.ExpiryFromSeconds(resp.ExpiresIn),
	}, nil
}

func (a *Adapter) refreshIdC(ctx context.Context, node *credential.Node) (*provider.RefreshResult, error) {
	if node.Secrets.ClientID == "" || node.Secrets.ClientSecret == "" {
		return nil, &provider.ErrInvalidGrant{Detail: "missing IdC client credentials"}
	}
	url := fmt.Sprintf(idcRefreshURL, region(node))
	body := map[string]string{
		"grantType":    "refresh_token",
		"clientId":     node.Secrets.ClientID,
		"clientSecret": node.Secrets.ClientSecret,
		"refreshToken": node.Secrets.RefreshToken,
	}

	var resp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	client := &http.Client{Timeout: a.cfg.RefreshTimeout}
	if err := provider.DoJSON(ctx, client, http.MethodPost, url, nil, body, &resp); err != nil {
		return nil, classifyRefreshError(err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("empty accessToken in refresh response")
	}
	return &provider.RefreshResult{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    provider.ExpiryFromSeconds(resp.ExpiresIn),
	}, nil
}

func classifyRefreshError(err error) error {
	if ue, ok := err.(*provider.UpstreamError); ok && ue.Status >= 400 && ue.Status < 500 {
		return &provider.ErrInvalidGrant{Detail: ue.Error()}
	}
	return err
}
