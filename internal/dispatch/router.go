package dispatch

import (
	"strings"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/credential"
)

// Router maps model names to provider types. The table is static; unknown
// models fall back to the configured default provider.
type Router struct {
	fallback credential.ProviderType
}

func NewRouter(cfg *config.Config) *Router {
	fallback, ok := credential.Parse(cfg.DefaultProvider)
	if !ok {
		fallback = credential.ProviderKiro
	}
	return &Router{fallback: fallback}
}

// Route resolves a model name. Provider-prefixed ids ("kiro/claude-...",
// from the aggregated Ollama tag list) route by their prefix; bare names
// route by family.
func (r *Router) Route(model string) (credential.ProviderType, string) {
	if prefix, rest, ok := strings.Cut(model, "/"); ok {
		if p, found := credential.Parse(prefix); found {
			return p, rest
		}
		if prefix == "letta" {
			return credential.ProviderLetta, rest
		}
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"), strings.Contains(lower, "codex"):
		return credential.ProviderCodex, model
	case strings.HasPrefix(lower, "gemini"):
		return credential.ProviderGemini, model
	case strings.HasPrefix(lower, "qwen"):
		return credential.ProviderQwen, model
	case strings.HasPrefix(lower, "claude"):
		// Claude models go to the configured claude-family pool.
		if r.fallback == credential.ProviderClaude || r.fallback == credential.ProviderKiro {
			return r.fallback, model
		}
		return credential.ProviderKiro, model
	}
	return r.fallback, model
}
