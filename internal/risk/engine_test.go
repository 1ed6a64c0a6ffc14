package risk

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/events"
)

// fakePools is a single-node NodeMutator.
type fakePools struct {
	nodes map[string]*credential.Node
}

func (f *fakePools) Mutate(_ credential.ProviderType, id string, fn func(*credential.Node)) bool {
	n, ok := f.nodes[id]
	if !ok {
		return false
	}
	fn(n)
	return true
}

func newTestEngine(t *testing.T, mode string) (*Engine, *fakePools, *Journal) {
	t.Helper()
	cfg := &config.Config{
		RiskEnabled:                 true,
		RiskMode:                    mode,
		RiskMaxEvents:               100,
		RiskFlushDebounce:           10 * time.Millisecond,
		RiskIdentityCollisionWindow: 10 * time.Second,
		CooldownTimezone:            "UTC",
		CooldownBase:                time.Minute,
	}
	journal := NewJournal(t.TempDir(), cfg.RiskMaxEvents, cfg.RiskFlushDebounce)
	pools := &fakePools{nodes: make(map[string]*credential.Node)}
	return NewEngine(cfg, pools, journal, events.NewBus(10)), pools, journal
}

func addNode(f *fakePools, id string, state credential.State) *credential.Node {
	n := &credential.Node{
		UUID:         id,
		ProviderType: credential.ProviderKiro,
		State:        state,
		IsHealthy:    state == credential.StateHealthy,
	}
	f.nodes[id] = n
	return n
}

func TestStrictTransitionTable(t *testing.T) {
	cases := []struct {
		from   credential.State
		signal Signal
		want   credential.State
	}{
		{credential.StateHealthy, SignalSuccess, credential.StateHealthy},
		{credential.StateHealthy, SignalAuthInvalid, credential.StateNeedsRefresh},
		{credential.StateHealthy, SignalQuotaExceeded, credential.StateCooldown},
		{credential.StateHealthy, SignalRateLimited, credential.StateCooldown},
		{credential.StateHealthy, SignalSuspended, credential.StateSuspended},
		{credential.StateHealthy, SignalBanned, credential.StateBanned},
		{credential.StateHealthy, SignalNetworkTransient, credential.StateHealthy},
		{credential.StateHealthy, SignalManualRelease, credential.StateHealthy},

		{credential.StateNeedsRefresh, SignalAuthInvalid, credential.StateQuarantined},
		{credential.StateNeedsRefresh, SignalNetworkTransient, credential.StateNeedsRefresh},
		{credential.StateNeedsRefresh, SignalManualRelease, credential.StateHealthy},
		{credential.StateNeedsRefresh, SignalSuccess, credential.StateHealthy},

		{credential.StateQuarantined, SignalSuccess, credential.StateHealthy},
		{credential.StateQuarantined, SignalAuthInvalid, credential.StateQuarantined},
		{credential.StateQuarantined, SignalNetworkTransient, credential.StateQuarantined},
		{credential.StateQuarantined, SignalBanned, credential.StateBanned},

		{credential.StateSuspended, SignalSuccess, credential.StateSuspended},
		{credential.StateSuspended, SignalRateLimited, credential.StateSuspended},
		{credential.StateSuspended, SignalBanned, credential.StateBanned},
		{credential.StateSuspended, SignalManualRelease, credential.StateHealthy},

		{credential.StateBanned, SignalSuccess, credential.StateBanned},
		{credential.StateBanned, SignalRateLimited, credential.StateBanned},
		{credential.StateBanned, SignalManualRelease, credential.StateHealthy},

		{credential.StateDisabled, SignalSuccess, credential.StateDisabled},
		{credential.StateDisabled, SignalManualRelease, credential.StateDisabled},
		{credential.StateDisabled, SignalBanned, credential.StateDisabled},
	}

	for i, tc := range cases {
		t.Run(fmt.Sprintf("%s_%s", tc.from, tc.signal), func(t *testing.T) {
			engine, pools, _ := newTestEngine(t, config.RiskEnforceStrict)
			id := fmt.Sprintf("node-%d", i)
			n := addNode(pools, id, tc.from)
			if tc.from == credential.StateDisabled {
				n.IsDisabled = true
			}

			engine.Observe(credential.ProviderKiro, id, tc.signal, Detail{})
			if n.State != tc.want {
				t.Fatalf("%s + %s: got %s, want %s", tc.from, tc.signal, n.State, tc.want)
			}
		})
	}
}

func TestObserveModeNeverTransitions(t *testing.T) {
	engine, pools, _ := newTestEngine(t, config.RiskObserve)
	n := addNode(pools, "n", credential.StateHealthy)

	engine.Observe(credential.ProviderKiro, "n", SignalBanned, Detail{})
	if n.State != credential.StateHealthy {
		t.Fatalf("observe mode transitioned to %s", n.State)
	}
	if n.ErrorCount != 1 {
		t.Fatalf("observe mode must still count, got %d", n.ErrorCount)
	}
}

func TestEnforceSoftMapsBanToQuarantine(t *testing.T) {
	engine, pools, _ := newTestEngine(t, config.RiskEnforceSoft)
	n := addNode(pools, "n", credential.StateHealthy)

	engine.Observe(credential.ProviderKiro, "n", SignalBanned, Detail{})
	if n.State != credential.StateQuarantined {
		t.Fatalf("enforce-soft ban should quarantine, got %s", n.State)
	}
}

func TestProtectiveEmergencyCoolsAfterThreeTransients(t *testing.T) {
	engine, pools, _ := newTestEngine(t, config.RiskProtectiveEmergency)
	n := addNode(pools, "n", credential.StateHealthy)

	for range 2 {
		engine.Observe(credential.ProviderKiro, "n", SignalNetworkTransient, Detail{})
		if n.State != credential.StateHealthy {
			t.Fatalf("premature transition to %s", n.State)
		}
	}
	engine.Observe(credential.ProviderKiro, "n", SignalNetworkTransient, Detail{})
	if n.State != credential.StateCooldown {
		t.Fatalf("third transient should cool down, got %s", n.State)
	}
	if n.CooldownUntil == nil || time.Until(*n.CooldownUntil) > 5*time.Minute+time.Second {
		t.Fatalf("emergency cooldown should be ~5m, got %v", n.CooldownUntil)
	}
}

func TestQuotaCooldownEndsAtNextMidnight(t *testing.T) {
	engine, pools, _ := newTestEngine(t, config.RiskEnforceStrict)
	n := addNode(pools, "n", credential.StateHealthy)

	engine.Observe(credential.ProviderKiro, "n", SignalQuotaExceeded, Detail{HTTPStatus: 402})
	if n.State != credential.StateCooldown || n.CooldownUntil == nil {
		t.Fatalf("quota should cool down, state=%s", n.State)
	}

	now := time.Now().UTC()
	wantMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	if !n.CooldownUntil.Equal(wantMidnight) {
		t.Fatalf("cooldownUntil = %v, want next UTC midnight %v", n.CooldownUntil, wantMidnight)
	}
}

func TestRateLimitBackoffDoublesAndHonoursHeader(t *testing.T) {
	engine, pools, _ := newTestEngine(t, config.RiskEnforceStrict)
	n := addNode(pools, "n", credential.StateHealthy)

	engine.Observe(credential.ProviderKiro, "n", SignalRateLimited, Detail{HTTPStatus: 429})
	first := *n.CooldownUntil
	if d := time.Until(first); d > 61*time.Second || d < 50*time.Second {
		t.Fatalf("first backoff should be ~1m, got %v", d)
	}

	engine.Observe(credential.ProviderKiro, "n", SignalRateLimited, Detail{HTTPStatus: 429})
	second := *n.CooldownUntil
	if !second.After(first) {
		t.Fatal("repeat rate limit must extend the cooldown")
	}

	reset := time.Now().Add(3 * time.Hour)
	engine.Observe(credential.ProviderKiro, "n", SignalRateLimited, Detail{HTTPStatus: 429, ResetAt: &reset})
	if !n.CooldownUntil.Equal(reset) {
		t.Fatalf("header reset beyond backoff must win, got %v", n.CooldownUntil)
	}
}

func TestSuccessResetsStreaks(t *testing.T) {
	engine, pools, _ := newTestEngine(t, config.RiskEnforceStrict)
	n := addNode(pools, "n", credential.StateHealthy)
	n.AuthFailureStreak = 4
	n.FailureCount = 2
	n.TransientStreak = 2
	n.RateLimitStreak = 3

	engine.Observe(credential.ProviderKiro, "n", SignalSuccess, Detail{HTTPStatus: 200})
	if n.AuthFailureStreak != 0 || n.FailureCount != 0 || n.TransientStreak != 0 || n.RateLimitStreak != 0 {
		t.Fatalf("success must reset streaks: %+v", n)
	}
}

func TestAuthInvalidIncrementsStreak(t *testing.T) {
	engine, pools, _ := newTestEngine(t, config.RiskEnforceStrict)
	n := addNode(pools, "n", credential.StateHealthy)

	engine.Observe(credential.ProviderKiro, "n", SignalAuthInvalid, Detail{HTTPStatus: 401})
	engine.Observe(credential.ProviderKiro, "n", SignalAuthInvalid, Detail{HTTPStatus: 401})
	if n.AuthFailureStreak != 2 {
		t.Fatalf("authFailureStreak = %d, want 2", n.AuthFailureStreak)
	}
}

func TestIdentityCollisionQuarantinesNewerNode(t *testing.T) {
	engine, pools, journal := newTestEngine(t, config.RiskEnforceStrict)
	older := addNode(pools, "aaa-older", credential.StateHealthy)
	newer := addNode(pools, "zzz-newer", credential.StateHealthy)
	older.Secrets = credential.Secrets{AccountID: "acct-x", AuthMethod: "social"}
	newer.Secrets = credential.Secrets{AccountID: "acct-x", AuthMethod: "social"}

	engine.Observe(credential.ProviderKiro, "aaa-older", SignalSuccess, Detail{HTTPStatus: 200})
	engine.Observe(credential.ProviderKiro, "zzz-newer", SignalSuccess, Detail{HTTPStatus: 200})

	if newer.State != credential.StateQuarantined {
		t.Fatalf("newer node should quarantine on collision, got %s", newer.State)
	}
	if older.State != credential.StateHealthy {
		t.Fatalf("older node should stay healthy, got %s", older.State)
	}

	found := false
	for _, e := range journal.Recent(0) {
		if e.Signal == SignalIdentityCollision && e.UUID == "zzz-newer" {
			found = true
		}
	}
	if !found {
		t.Fatal("journal missing IDENTITY_COLLISION event")
	}
}

func TestJournalBounded(t *testing.T) {
	journal := NewJournal(t.TempDir(), 10, time.Hour)
	for i := range 50 {
		journal.Append(Event{UUID: fmt.Sprintf("n%d", i), Signal: SignalSuccess, Timestamp: time.Now()})
	}
	if journal.Len() != 10 {
		t.Fatalf("journal length = %d, want bound 10", journal.Len())
	}
	recent := journal.Recent(0)
	if recent[len(recent)-1].UUID != "n49" {
		t.Fatalf("journal should keep newest events, last = %s", recent[len(recent)-1].UUID)
	}
}

func TestJournalFlushWritesFile(t *testing.T) {
	dir := t.TempDir()
	journal := NewJournal(dir, 10, time.Hour)
	journal.Append(Event{UUID: "n1", Signal: SignalSuccess, Timestamp: time.Now()})
	journal.Flush()

	if _, err := filepath.Glob(filepath.Join(dir, "risk-lifecycle.json")); err != nil {
		t.Fatalf("glob: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "risk-lifecycle.json"))
	if len(matches) != 1 {
		t.Fatal("risk-lifecycle.json not written")
	}
}
