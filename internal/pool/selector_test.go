package pool

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/events"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &config.Config{
		PoolStrategy:         config.StrategyLeastUsed,
		PoolMaxFailures:      3,
		PoolFailureResetTime: 5 * time.Minute,
	}
	store, err := credential.NewFileStore(filepath.Join(t.TempDir(), "configs"), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return NewManager(cfg, store, events.NewBus(10))
}

func seedNode(t *testing.T, m *Manager, id string, mutate func(*credential.Node)) *credential.Node {
	t.Helper()
	n := &credential.Node{
		UUID:         id,
		ProviderType: credential.ProviderKiro,
		Priority:     100,
		IsHealthy:    true,
		State:        credential.StateHealthy,
		CreatedAt:    time.Now(),
	}
	if mutate != nil {
		mutate(n)
	}
	if err := m.Add(n); err != nil {
		t.Fatalf("add node %s: %v", id, err)
	}
	return n
}

func TestSelectReturnsOnlyAvailableNodes(t *testing.T) {
	m := newTestManager(t)
	seedNode(t, m, "a-banned", func(n *credential.Node) { n.State = credential.StateBanned })
	seedNode(t, m, "b-disabled", func(n *credential.Node) { n.IsDisabled = true; n.State = credential.StateDisabled })
	seedNode(t, m, "c-suspended", func(n *credential.Node) { n.State = credential.StateSuspended })
	seedNode(t, m, "d-ok", nil)

	for range 10 {
		n, err := m.Select(credential.ProviderKiro)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if n.UUID != "d-ok" {
			t.Fatalf("selected unavailable node %s", n.UUID)
		}
	}
}

func TestSelectHonoursCooldown(t *testing.T) {
	m := newTestManager(t)
	until := time.Now().Add(10 * time.Minute)
	seedNode(t, m, "cooling", func(n *credential.Node) {
		n.State = credential.StateCooldown
		n.CooldownUntil = &until
	})

	if _, err := m.Select(credential.ProviderKiro); err != ErrNoHealthyNode {
		t.Fatalf("expected ErrNoHealthyNode, got %v", err)
	}
}

func TestSelectRecoversExpiredCooldownLazily(t *testing.T) {
	m := newTestManager(t)
	until := time.Now().Add(-time.Minute)
	seedNode(t, m, "recovered", func(n *credential.Node) {
		n.State = credential.StateCooldown
		n.IsHealthy = false
		n.CooldownUntil = &until
	})

	n, err := m.Select(credential.ProviderKiro)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if n.State != credential.StateHealthy || !n.IsHealthy || n.CooldownUntil != nil {
		t.Fatalf("node not recovered: state=%s healthy=%v cooldown=%v", n.State, n.IsHealthy, n.CooldownUntil)
	}
}

func TestSelectPriorityMonotone(t *testing.T) {
	m := newTestManager(t)
	seedNode(t, m, "tier2", func(n *credential.Node) { n.Priority = 200 })
	seedNode(t, m, "tier1", func(n *credential.Node) { n.Priority = 50 })
	seedNode(t, m, "tier1b", func(n *credential.Node) { n.Priority = 50 })

	for range 20 {
		n, err := m.Select(credential.ProviderKiro)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if n.EffectivePriority() != 50 {
			t.Fatalf("picked tier %d while tier 50 available", n.EffectivePriority())
		}
	}
}

func TestSelectInvalidPriorityDefaultsTo100(t *testing.T) {
	m := newTestManager(t)
	seedNode(t, m, "zero", func(n *credential.Node) { n.Priority = 0 })
	seedNode(t, m, "preferred", func(n *credential.Node) { n.Priority = 10 })

	n, err := m.Select(credential.ProviderKiro)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if n.UUID != "preferred" {
		t.Fatalf("expected preferred, got %s", n.UUID)
	}
}

func TestSelectExcludingNeverRepeats(t *testing.T) {
	m := newTestManager(t)
	ids := []string{"n1", "n2", "n3"}
	for _, id := range ids {
		seedNode(t, m, id, nil)
	}

	tried := make(map[string]bool)
	for range ids {
		n, err := m.SelectExcluding(credential.ProviderKiro, tried)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if tried[n.UUID] {
			t.Fatalf("node %s selected twice", n.UUID)
		}
		tried[n.UUID] = true
	}
	if _, err := m.SelectExcluding(credential.ProviderKiro, tried); err != ErrNoHealthyNode {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestSelectDeterministicTieBreak(t *testing.T) {
	m := newTestManager(t)
	seedNode(t, m, "bbb", nil)
	seedNode(t, m, "aaa", nil)

	n, err := m.Select(credential.ProviderKiro)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if n.UUID != "aaa" {
		t.Fatalf("tie should break to lower uuid, got %s", n.UUID)
	}
}

func TestFailureWindowResetsCounter(t *testing.T) {
	m := newTestManager(t)
	old := time.Now().Add(-10 * time.Minute)
	seedNode(t, m, "flaky", func(n *credential.Node) {
		n.FailureCount = 5
		n.LastFailure = &old
	})

	n, err := m.Select(credential.ProviderKiro)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if n.FailureCount != 0 {
		t.Fatalf("failure count should reset after window, got %d", n.FailureCount)
	}
}

func TestFailureCapBlocksSelection(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()
	seedNode(t, m, "broken", func(n *credential.Node) {
		n.FailureCount = 3
		n.LastFailure = &now
	})

	if _, err := m.Select(credential.ProviderKiro); err != ErrNoHealthyNode {
		t.Fatalf("expected ErrNoHealthyNode, got %v", err)
	}
}

func TestRateLimitResetBlocksUntilExpiry(t *testing.T) {
	m := newTestManager(t)
	future := time.Now().Add(time.Minute)
	seedNode(t, m, "limited", func(n *credential.Node) { n.RateLimitResetTime = &future })

	if _, err := m.Select(credential.ProviderKiro); err != ErrNoHealthyNode {
		t.Fatalf("expected ErrNoHealthyNode, got %v", err)
	}

	past := time.Now().Add(-time.Second)
	m.Mutate(credential.ProviderKiro, "limited", func(n *credential.Node) { n.RateLimitResetTime = &past })
	if _, err := m.Select(credential.ProviderKiro); err != nil {
		t.Fatalf("expected recovery after reset expiry, got %v", err)
	}
}

func TestDuplicateUUIDRejected(t *testing.T) {
	m := newTestManager(t)
	seedNode(t, m, "dup", nil)

	err := m.Add(&credential.Node{UUID: "dup", ProviderType: credential.ProviderCodex})
	if err == nil {
		t.Fatal("duplicate uuid across pools must be rejected")
	}
}
