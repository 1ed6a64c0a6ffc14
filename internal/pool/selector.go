package pool

import (
	"math/rand/v2"
	"sort"
	"time"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/credential"
)

// recencyWindow is how long a node must sit idle before it earns the
// selection recency bonus.
const recencyWindow = 5 * time.Minute

// Select picks the best available node for a provider type.
func (m *Manager) Select(p credential.ProviderType) (*credential.Node, error) {
	return m.SelectExcluding(p, nil)
}

// SelectExcluding picks the best available node whose uuid is not in tried.
// The dispatch loop passes the set of already-failed uuids so a single
// request never lands on the same credential twice.
func (m *Manager) SelectExcluding(p credential.ProviderType, tried map[string]bool) (*credential.Node, error) {
	pl := m.pool(p)
	now := time.Now()

	pl.mu.Lock()
	defer pl.mu.Unlock()

	var available []*credential.Node
	for _, n := range pl.nodes {
		if tried[n.UUID] {
			continue
		}
		if m.availableLocked(n, now) {
			available = append(available, n)
		}
	}
	if len(available) == 0 {
		return nil, ErrNoHealthyNode
	}

	tier := lowestPriorityTier(available)
	selected := m.pickLocked(pl, tier, now)
	return selected.Clone(), nil
}

// AvailableCount reports how many nodes would pass the availability
// predicate right now, without mutating lazy-recovery state.
func (m *Manager) AvailableCount(p credential.ProviderType) int {
	pl := m.pool(p)
	now := time.Now()
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	count := 0
	for _, n := range pl.nodes {
		if m.availableReadOnly(n, now) {
			count++
		}
	}
	return count
}

// availableLocked is the §availability predicate, with lazy recovery: expired
// cooldowns are cleared in place and expired failure windows zero the counter.
// Caller holds the pool writer lock.
func (m *Manager) availableLocked(n *credential.Node, now time.Time) bool {
	if n.IsDisabled || n.State.Terminal() || n.State == credential.StateDisabled {
		return false
	}
	if n.State == credential.StateQuarantined {
		return false
	}
	// NeedsRefresh nodes stay selectable: the dispatcher refreshes inline
	// before sending.

	if n.State == credential.StateCooldown {
		if n.InCooldown(now) {
			return false
		}
		// Cooldown expired: recover lazily on selection.
		n.State = credential.StateHealthy
		n.IsHealthy = true
		n.CooldownUntil = nil
	}

	if n.RateLimited(now) {
		return false
	}
	n.RateLimitResetTime = nil

	if n.FailureCount >= m.cfg.PoolMaxFailures {
		if n.LastFailure == nil || now.Sub(*n.LastFailure) < m.cfg.PoolFailureResetTime {
			return false
		}
		n.FailureCount = 0
	}

	return true
}

// availableReadOnly mirrors availableLocked without the lazy mutations.
func (m *Manager) availableReadOnly(n *credential.Node, now time.Time) bool {
	if n.IsDisabled || n.State.Terminal() || n.State == credential.StateDisabled || n.State == credential.StateQuarantined {
		return false
	}
	if n.State == credential.StateCooldown && n.InCooldown(now) {
		return false
	}
	if n.RateLimited(now) {
		return false
	}
	if n.FailureCount >= m.cfg.PoolMaxFailures {
		if n.LastFailure == nil || now.Sub(*n.LastFailure) < m.cfg.PoolFailureResetTime {
			return false
		}
	}
	return true
}

// lowestPriorityTier keeps only the nodes of the lowest-numbered non-empty
// priority tier.
func lowestPriorityTier(nodes []*credential.Node) []*credential.Node {
	best := nodes[0].EffectivePriority()
	for _, n := range nodes[1:] {
		if p := n.EffectivePriority(); p < best {
			best = p
		}
	}
	tier := nodes[:0:0]
	for _, n := range nodes {
		if n.EffectivePriority() == best {
			tier = append(tier, n)
		}
	}
	return tier
}

// pickLocked applies the configured rotation strategy inside a tier.
func (m *Manager) pickLocked(pl *pool, tier []*credential.Node, now time.Time) *credential.Node {
	strategy := m.cfg.PoolStrategy
	if m.cfg.RotationPolicyEnabled {
		strategy = m.cfg.RotationPolicy
	}

	switch strategy {
	case config.StrategyRandom:
		return tier[rand.IntN(len(tier))]

	case config.StrategyRoundRobin:
		// Always-advance: the cursor moves on every selection so consecutive
		// requests spread across the tier even when the previous call
		// succeeded.
		sortDeterministic(tier)
		n := tier[pl.rrCursor%len(tier)]
		pl.rrCursor++
		return n

	case config.StrategyLeastFailures:
		sort.SliceStable(tier, func(i, j int) bool {
			if tier[i].ErrorCount != tier[j].ErrorCount {
				return tier[i].ErrorCount < tier[j].ErrorCount
			}
			return tier[i].UUID < tier[j].UUID
		})
		return tier[0]

	default: // least-used and the scored default ranking
		sort.SliceStable(tier, func(i, j int) bool {
			a, b := tier[i], tier[j]
			if a.AuthFailureStreak != b.AuthFailureStreak {
				return a.AuthFailureStreak < b.AuthFailureStreak
			}
			sa, sb := score(a, now), score(b, now)
			if sa != sb {
				return sa < sb
			}
			ta, tb := lastUsedOrZero(a), lastUsedOrZero(b)
			if !ta.Equal(tb) {
				return ta.Before(tb)
			}
			return a.UUID < b.UUID
		})
		return tier[0]
	}
}

// score ranks nodes inside a tier: fewer uses first, with a bonus for nodes
// that have been idle past the recency window.
func score(n *credential.Node, now time.Time) float64 {
	s := float64(n.UsageCount)
	if n.LastUsed == nil || now.Sub(*n.LastUsed) > recencyWindow {
		s -= 1
	}
	return s
}

func lastUsedOrZero(n *credential.Node) time.Time {
	if n.LastUsed == nil {
		return time.Time{}
	}
	return *n.LastUsed
}

func sortDeterministic(nodes []*credential.Node) {
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].UUID < nodes[j].UUID })
}
