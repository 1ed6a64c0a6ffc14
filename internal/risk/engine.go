package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/events"
)

const (
	maxRateLimitCooldown = time.Hour
	emergencyCooldown    = 5 * time.Minute
	emergencyTransients  = 3
)

// NodeMutator runs a mutation on a pool node under the owning pool's writer
// lock. Returns false when the node no longer exists.
type NodeMutator interface {
	Mutate(p credential.ProviderType, uuid string, fn func(*credential.Node)) bool
}

// Engine observes dispatch outcomes and admin actions, transitions nodes
// between lifecycle states, and journals every event.
type Engine struct {
	enabled  bool
	mode     string
	base     time.Duration
	loc      *time.Location
	window   time.Duration
	pools    NodeMutator
	journal  *Journal
	bus      *events.Bus

	mu        sync.Mutex
	lastSeen  map[string]identitySighting // account fingerprint → sighting
}

type identitySighting struct {
	uuid string
	at   time.Time
}

func NewEngine(cfg *config.Config, pools NodeMutator, journal *Journal, bus *events.Bus) *Engine {
	loc, err := cfg.CooldownLocation()
	if err != nil {
		loc = time.UTC
	}
	return &Engine{
		enabled:  cfg.RiskEnabled,
		mode:     cfg.RiskMode,
		base:     cfg.CooldownBase,
		loc:      loc,
		window:   cfg.RiskIdentityCollisionWindow,
		pools:    pools,
		journal:  journal,
		bus:      bus,
		lastSeen: make(map[string]identitySighting),
	}
}

// Observe records an outcome for a node and applies the configured policy.
func (e *Engine) Observe(p credential.ProviderType, uuid string, sig Signal, d Detail) {
	if !e.enabled {
		return
	}
	now := time.Now()

	var from, to credential.State
	var accountID, authMethod string
	ok := e.pools.Mutate(p, uuid, func(n *credential.Node) {
		from = n.State
		e.updateCounters(n, sig, now)
		to = e.transition(n, sig, d, now)
		accountID, authMethod = n.Secrets.AccountID, n.Secrets.AuthMethod
	})
	if !ok {
		return
	}

	e.record(p, uuid, sig, d, from, to, now)

	if accountID != "" && !isAdminSignal(sig) {
		e.checkIdentityCollision(p, uuid, accountID, authMethod, now)
	}
}

func (e *Engine) record(p credential.ProviderType, uuid string, sig Signal, d Detail, from, to credential.State, now time.Time) {
	e.journal.Append(Event{
		Timestamp:    now,
		UUID:         uuid,
		ProviderType: string(p),
		Signal:       sig,
		ReasonCode:   d.ReasonCode,
		HTTPStatus:   d.HTTPStatus,
		ErrorSnippet: truncate(d.ErrorSnippet, 200),
		FromState:    string(from),
		ToState:      string(to),
	})
	if from != to {
		slog.Info("risk transition", "providerType", p, "uuid", uuid, "signal", sig, "from", from, "to", to)
		e.bus.Publish(events.Event{
			Type:         events.EventRisk,
			ProviderType: string(p),
			UUID:         uuid,
			Message:      string(sig) + ": " + string(from) + " -> " + string(to),
		})
	}
}

// updateCounters applies the counter effects of a signal. Counters move in
// every mode, including observe.
func (e *Engine) updateCounters(n *credential.Node, sig Signal, now time.Time) {
	switch sig {
	case SignalSuccess:
		n.AuthFailureStreak = 0
		n.TransientStreak = 0
		n.RateLimitStreak = 0
		n.FailureCount = 0
	case SignalAuthInvalid:
		n.AuthFailureStreak++
		n.ErrorCount++
		n.TransientStreak = 0
	case SignalNetworkTransient:
		n.ErrorCount++
		n.FailureCount++
		n.TransientStreak++
		t := now
		n.LastFailure = &t
	case SignalRateLimited:
		n.ErrorCount++
		n.RateLimitStreak++
		n.TransientStreak = 0
	case SignalQuotaExceeded, SignalSuspended, SignalBanned:
		n.ErrorCount++
		n.TransientStreak = 0
	}
}

// transition applies the state table under the configured policy mode and
// returns the resulting state.
func (e *Engine) transition(n *credential.Node, sig Signal, d Detail, now time.Time) credential.State {
	// Admin signals bypass the policy mode: an explicit operator action is
	// always honoured.
	switch sig {
	case SignalDisabled:
		n.IsDisabled = true
		n.State = credential.StateDisabled
		return n.State
	case SignalEnabled:
		n.IsDisabled = false
		n.IsHealthy = true
		n.State = credential.StateHealthy
		return n.State
	case SignalMarkedHealthy:
		if n.State != credential.StateDisabled {
			n.IsHealthy = true
			n.NeedsRefresh = false
			n.State = credential.StateHealthy
		}
		return n.State
	case SignalMarkedUnhealthy:
		n.IsHealthy = false
		return n.State
	case SignalNeedsRefresh:
		if n.State == credential.StateHealthy {
			n.NeedsRefresh = true
			n.State = credential.StateNeedsRefresh
		}
		return n.State
	case SignalManualRelease:
		if n.State != credential.StateDisabled {
			n.State = credential.StateHealthy
			n.IsHealthy = true
			n.NeedsRefresh = false
			n.CooldownUntil = nil
			n.RateLimitResetTime = nil
			n.AuthFailureStreak = 0
		}
		return n.State
	}

	if e.mode == config.RiskObserve {
		return n.State
	}

	// Disabled is sticky against every non-admin signal.
	if n.State == credential.StateDisabled {
		return n.State
	}

	target := tableTarget(n.State, sig)

	// Protective emergency: repeated transports shield the account.
	if e.mode == config.RiskProtectiveEmergency && sig == SignalNetworkTransient &&
		n.TransientStreak >= emergencyTransients && !n.State.Terminal() {
		target = credential.StateCooldown
		until := now.Add(emergencyCooldown)
		n.CooldownUntil = &until
		n.TransientStreak = 0
	}

	// Soft enforcement never bans: the operator reviews quarantined nodes.
	if e.mode == config.RiskEnforceSoft && target == credential.StateBanned {
		target = credential.StateQuarantined
	}

	e.applyTarget(n, sig, d, target, now)
	return n.State
}

// tableTarget is the enforce-strict transition table.
func tableTarget(from credential.State, sig Signal) credential.State {
	switch from {
	case credential.StateBanned:
		return credential.StateBanned
	case credential.StateSuspended:
		if sig == SignalBanned {
			return credential.StateBanned
		}
		return credential.StateSuspended
	}

	switch sig {
	case SignalSuccess:
		return credential.StateHealthy
	case SignalAuthInvalid:
		if from == credential.StateHealthy {
			return credential.StateNeedsRefresh
		}
		return credential.StateQuarantined
	case SignalQuotaExceeded, SignalRateLimited:
		return credential.StateCooldown
	case SignalSuspended:
		return credential.StateSuspended
	case SignalBanned:
		return credential.StateBanned
	case SignalIdentityCollision:
		return credential.StateQuarantined
	case SignalNetworkTransient:
		return from
	}
	return from
}

func (e *Engine) applyTarget(n *credential.Node, sig Signal, d Detail, target credential.State, now time.Time) {
	switch target {
	case credential.StateHealthy:
		// A node in cooldown stays there until the clock expires, even when a
		// stray success arrives.
		if n.State == credential.StateCooldown && n.InCooldown(now) {
			return
		}
		n.State = credential.StateHealthy
		n.IsHealthy = true
		n.NeedsRefresh = false
		n.CooldownUntil = nil

	case credential.StateNeedsRefresh:
		n.State = credential.StateNeedsRefresh
		n.NeedsRefresh = true

	case credential.StateCooldown:
		n.State = credential.StateCooldown
		n.IsHealthy = false
		until := e.cooldownUntil(n, sig, d, now)
		// RATE_LIMITED on an existing cooldown extends, never shortens.
		if n.CooldownUntil == nil || until.After(*n.CooldownUntil) {
			n.CooldownUntil = &until
		}
		if d.ResetAt != nil {
			n.RateLimitResetTime = d.ResetAt
		}

	case credential.StateQuarantined:
		n.State = credential.StateQuarantined
		n.IsHealthy = false

	case credential.StateSuspended:
		n.State = credential.StateSuspended
		n.IsHealthy = false

	case credential.StateBanned:
		n.State = credential.StateBanned
		n.IsHealthy = false
	}
}

// cooldownUntil computes the cooldown deadline per signal.
func (e *Engine) cooldownUntil(n *credential.Node, sig Signal, d Detail, now time.Time) time.Time {
	if sig == SignalQuotaExceeded {
		return nextMidnight(now, e.loc)
	}

	streak := n.RateLimitStreak
	if streak < 1 {
		streak = 1
	}
	backoff := e.base << (streak - 1)
	if backoff > maxRateLimitCooldown || backoff <= 0 {
		backoff = maxRateLimitCooldown
	}
	until := now.Add(backoff)
	if d.ResetAt != nil && d.ResetAt.After(until) {
		until = *d.ResetAt
	}
	return until
}

// nextMidnight returns the next 00:00 boundary in loc after now.
func nextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// checkIdentityCollision quarantines the newer of two active nodes sharing
// one account fingerprint inside the collision window.
func (e *Engine) checkIdentityCollision(p credential.ProviderType, uuid, accountID, authMethod string, now time.Time) {
	fp := identityFingerprint(accountID, authMethod)

	e.mu.Lock()
	prev, seen := e.lastSeen[fp]
	e.lastSeen[fp] = identitySighting{uuid: uuid, at: now}
	e.mu.Unlock()

	if !seen || prev.uuid == uuid || now.Sub(prev.at) > e.window {
		return
	}

	victim := uuid
	if prev.uuid > uuid {
		victim = prev.uuid
	}

	var from, to credential.State
	ok := e.pools.Mutate(p, victim, func(n *credential.Node) {
		from = n.State
		if e.mode != config.RiskObserve && !n.State.Terminal() && n.State != credential.StateDisabled {
			n.State = credential.StateQuarantined
			n.IsHealthy = false
		}
		to = n.State
	})
	if !ok {
		return
	}
	e.record(p, victim, SignalIdentityCollision, Detail{ReasonCode: "identity_collision"}, from, to, now)
}

func identityFingerprint(accountID, authMethod string) string {
	h := sha256.Sum256([]byte(accountID + "|" + authMethod))
	return hex.EncodeToString(h[:16])
}

func isAdminSignal(sig Signal) bool {
	switch sig {
	case SignalManualRelease, SignalDisabled, SignalEnabled,
		SignalMarkedHealthy, SignalMarkedUnhealthy, SignalNeedsRefresh:
		return true
	}
	return false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
