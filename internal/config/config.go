package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Risk policy modes.
const (
	RiskObserve             = "observe"
	RiskEnforceSoft         = "enforce-soft"
	RiskEnforceStrict       = "enforce-strict"
	RiskProtectiveEmergency = "protective-emergency"
)

// Rotation strategies.
const (
	StrategyRoundRobin    = "round-robin"
	StrategyRandom        = "random"
	StrategyLeastUsed     = "least-used"
	StrategyLeastFailures = "least-failures"
)

type Config struct {
	// Server
	Host string
	Port int

	// On-disk layout root (credential files, pool snapshot, risk journal)
	ConfigDir string

	// Security
	AdminToken string

	// Pool / rotation
	KiroPoolConfig        string // inline JSON array of Kiro accounts
	PoolStrategy          string
	PoolMaxFailures       int
	PoolFailureResetTime  time.Duration
	RotationPolicyEnabled bool
	RotationPolicy        string

	// Risk lifecycle
	RiskEnabled                 bool
	RiskMode                    string
	RiskMaxEvents               int
	RiskFlushDebounce           time.Duration
	RiskIdentityCollisionWindow time.Duration
	CooldownTimezone            string
	CooldownBase                time.Duration

	// Dispatch
	RequestMaxRetries int
	RequestBaseDelay  time.Duration
	RequestTimeout    time.Duration
	RefreshTimeout    time.Duration
	MaxRequestBodyMB  int
	DefaultProvider   string

	// OAuth sessions
	OAuthSessionTimeout time.Duration
	OAuthCallbackPort   int

	// Per-provider
	CodexBaseURL string
	CodexEmail   string
	LettaBaseURL string
	LettaAgentID string
	QwenBaseURL  string

	// Outbound proxy for upstream calls (per-credential proxies override)
	SystemProxyEnabled bool
	SystemProxyURL     string

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		ConfigDir: envOr("CONFIG_DIR", "./configs"),

		AdminToken: os.Getenv("ADMIN_TOKEN"),

		KiroPoolConfig:        os.Getenv("KIRO_POOL_CONFIG"),
		PoolStrategy:          envOr("KIRO_POOL_STRATEGY", StrategyRoundRobin),
		PoolMaxFailures:       envInt("KIRO_POOL_MAX_FAILURES", 3),
		PoolFailureResetTime:  envDuration("KIRO_POOL_FAILURE_RESET_TIME", 5*time.Minute),
		RotationPolicyEnabled: envBool("ACCOUNT_ROTATION_POLICY_ENABLED", false),
		RotationPolicy:        envOr("ACCOUNT_ROTATION_POLICY", StrategyRoundRobin),

		RiskEnabled:                 envBool("RISK_ENABLED", true),
		RiskMode:                    envOr("RISK_MODE", RiskEnforceStrict),
		RiskMaxEvents:               envInt("RISK_MAX_EVENTS", 5000),
		RiskFlushDebounce:           envDuration("RISK_FLUSH_DEBOUNCE_MS", 500*time.Millisecond),
		RiskIdentityCollisionWindow: envDuration("RISK_IDENTITY_COLLISION_WINDOW_MS", 10*time.Second),
		CooldownTimezone:            envOr("COOLDOWN_TIMEZONE", "UTC"),
		CooldownBase:                envDuration("COOLDOWN_BASE_MS", time.Minute),

		RequestMaxRetries: envInt("REQUEST_MAX_RETRIES", 3),
		RequestBaseDelay:  envDuration("REQUEST_BASE_DELAY", time.Second),
		RequestTimeout:    envDuration("REQUEST_TIMEOUT", 2*time.Minute),
		RefreshTimeout:    envDuration("REFRESH_TIMEOUT", 30*time.Second),
		MaxRequestBodyMB:  envInt("REQUEST_MAX_SIZE_MB", 60),
		DefaultProvider:   envOr("DEFAULT_PROVIDER", "claude-kiro-oauth"),

		OAuthSessionTimeout: envDuration("OAUTH_SESSION_TIMEOUT", 10*time.Minute),
		OAuthCallbackPort:   envInt("OAUTH_CALLBACK_PORT", 1455),

		CodexBaseURL: envOr("CODEX_BASE_URL", "https://chatgpt.com/backend-api/codex"),
		CodexEmail:   os.Getenv("CODEX_EMAIL"),
		LettaBaseURL: envOr("LETTA_BASE_URL", "https://api.letta.com"),
		LettaAgentID: os.Getenv("LETTA_AGENT_ID"),
		QwenBaseURL:  envOr("QWEN_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),

		SystemProxyEnabled: envBool("USE_SYSTEM_PROXY_ENABLED", false),
		SystemProxyURL:     os.Getenv("USE_SYSTEM_PROXY_URL"),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.AdminToken == "" {
		return errMissing("ADMIN_TOKEN")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &configError{field: "PORT", reason: "out of range"}
	}
	switch c.RiskMode {
	case RiskObserve, RiskEnforceSoft, RiskEnforceStrict, RiskProtectiveEmergency:
	default:
		return &configError{field: "RISK_MODE", reason: "unknown mode " + c.RiskMode}
	}
	if !validStrategy(c.PoolStrategy) {
		return &configError{field: "KIRO_POOL_STRATEGY", reason: "unknown strategy " + c.PoolStrategy}
	}
	if c.RotationPolicyEnabled && !validStrategy(c.RotationPolicy) {
		return &configError{field: "ACCOUNT_ROTATION_POLICY", reason: "unknown strategy " + c.RotationPolicy}
	}
	if _, err := c.CooldownLocation(); err != nil {
		return &configError{field: "COOLDOWN_TIMEZONE", reason: err.Error()}
	}
	return nil
}

// CooldownLocation resolves the timezone used for next-midnight quota cooldowns.
func (c *Config) CooldownLocation() (*time.Location, error) {
	if c.CooldownTimezone == "" || strings.EqualFold(c.CooldownTimezone, "UTC") {
		return time.UTC, nil
	}
	return time.LoadLocation(c.CooldownTimezone)
}

func validStrategy(s string) bool {
	switch s {
	case StrategyRoundRobin, StrategyRandom, StrategyLeastUsed, StrategyLeastFailures:
		return true
	}
	return false
}

type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string {
	if e.reason == "" {
		return "missing required env: " + e.field
	}
	return fmt.Sprintf("invalid %s: %s", e.field, e.reason)
}

func errMissing(f string) error { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
