package credential

import (
	"strings"
	"time"
)

// ProviderType identifies an upstream provider family.
type ProviderType string

const (
	ProviderKiro   ProviderType = "claude-kiro-oauth"
	ProviderClaude ProviderType = "claude-oauth"
	ProviderCodex  ProviderType = "openai-codex"
	ProviderGemini ProviderType = "gemini-cli-oauth"
	ProviderQwen   ProviderType = "qwen-oauth"
	ProviderLetta  ProviderType = "letta-oauth"
)

// All enumerates the supported provider types in stable order.
func All() []ProviderType {
	return []ProviderType{ProviderKiro, ProviderClaude, ProviderCodex, ProviderGemini, ProviderQwen, ProviderLetta}
}

// Parse maps a provider slug or type string to a ProviderType.
func Parse(s string) (ProviderType, bool) {
	for _, p := range All() {
		if string(p) == s || p.Slug() == s {
			return p, true
		}
	}
	return "", false
}

// Slug is the directory name used under configs/ for this provider family.
func (p ProviderType) Slug() string {
	switch p {
	case ProviderKiro:
		return "kiro"
	case ProviderClaude:
		return "claude"
	case ProviderCodex:
		return "codex"
	case ProviderGemini:
		return "gemini"
	case ProviderQwen:
		return "qwen"
	case ProviderLetta:
		return "letta"
	}
	return strings.ReplaceAll(string(p), "/", "_")
}

// Lifecycle states.
type State string

const (
	StateHealthy      State = "healthy"
	StateNeedsRefresh State = "needs_refresh"
	StateCooldown     State = "cooldown"
	StateQuarantined  State = "quarantined"
	StateSuspended    State = "suspended"
	StateBanned       State = "banned"
	StateDisabled     State = "disabled"
	StateUnknown      State = "unknown"
)

// Terminal reports whether the selector must never return a node in this state.
func (s State) Terminal() bool {
	return s == StateBanned || s == StateDisabled || s == StateSuspended
}

// Secrets holds the opaque provider credentials of a node.
type Secrets struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Region       string `json:"region,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	Email        string `json:"email,omitempty"`
	MachineID    string `json:"machine_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	AuthMethod   string `json:"auth_method,omitempty"`
}

// ProxyConfig routes a node's upstream traffic through a dedicated proxy.
type ProxyConfig struct {
	Type     string `json:"type"` // socks5, http, https
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Node is one credential identity with its tokens and runtime counters.
// All mutable fields are guarded by the owning pool's lock.
type Node struct {
	UUID         string       `json:"uuid"`
	ProviderType ProviderType `json:"providerType"`
	Secrets      Secrets      `json:"secrets"`
	Proxy        *ProxyConfig `json:"proxy,omitempty"`

	Priority     int   `json:"priority"`
	IsHealthy    bool  `json:"isHealthy"`
	IsDisabled   bool  `json:"isDisabled"`
	NeedsRefresh bool  `json:"needsRefresh"`
	State        State `json:"state"`

	UsageCount        int `json:"usageCount"`
	ErrorCount        int `json:"errorCount"`
	AuthFailureStreak int `json:"authFailureStreak"`
	TransientStreak   int `json:"transientStreak"`
	RateLimitStreak   int `json:"rateLimitStreak"`
	FailureCount      int `json:"failureCount"`

	LastUsed           *time.Time `json:"lastUsed,omitempty"`
	LastFailure        *time.Time `json:"lastFailure,omitempty"`
	CooldownUntil      *time.Time `json:"cooldownUntil,omitempty"`
	RateLimitResetTime *time.Time `json:"rateLimitResetTime,omitempty"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`

	// Path of the credential file this node was loaded from, when any.
	SourcePath string `json:"sourcePath,omitempty"`
}

// Clone returns a deep copy safe to use outside the pool lock.
func (n *Node) Clone() *Node {
	c := *n
	c.LastUsed = cloneTime(n.LastUsed)
	c.LastFailure = cloneTime(n.LastFailure)
	c.CooldownUntil = cloneTime(n.CooldownUntil)
	c.RateLimitResetTime = cloneTime(n.RateLimitResetTime)
	c.ExpiresAt = cloneTime(n.ExpiresAt)
	if n.Proxy != nil {
		p := *n.Proxy
		c.Proxy = &p
	}
	return &c
}

// EffectivePriority normalises invalid priority values to the default tier.
func (n *Node) EffectivePriority() int {
	if n.Priority <= 0 {
		return 100
	}
	return n.Priority
}

// InCooldown reports whether the node's cooldown is still running at now.
func (n *Node) InCooldown(now time.Time) bool {
	return n.CooldownUntil != nil && now.Before(*n.CooldownUntil)
}

// RateLimited reports whether an upstream-provided reset time is still ahead.
func (n *Node) RateLimited(now time.Time) bool {
	return n.RateLimitResetTime != nil && now.Before(*n.RateLimitResetTime)
}

// ExpiryNear reports whether the access token expires within threshold.
func (n *Node) ExpiryNear(now time.Time, threshold time.Duration) bool {
	if n.ExpiresAt == nil {
		return false
	}
	return n.ExpiresAt.Sub(now) <= threshold
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
