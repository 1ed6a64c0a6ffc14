package potluck

import (
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), "test-secret")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestCreateAndAuthenticateKey(t *testing.T) {
	s := newTestStore(t)

	plain, key, err := s.CreateKey("ci-bot", 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(plain, "maki_") {
		t.Fatalf("key %q missing maki_ prefix", plain)
	}
	if key.Hash == plain {
		t.Fatal("plaintext stored as hash")
	}

	got, err := s.Authenticate(plain)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != key.ID {
		t.Fatalf("authenticated wrong key: %s", got.ID)
	}

	if _, err := s.Authenticate("maki_nonsense"); err != ErrKeyNotFound {
		t.Fatalf("bad key err = %v", err)
	}
}

func TestConsumeEnforcesDailyLimit(t *testing.T) {
	s := newTestStore(t)
	_, key, _ := s.CreateKey("small", 2)

	for i := range 2 {
		if _, err := s.Consume(key.ID); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if _, err := s.Consume(key.ID); err != ErrQuotaExceeded {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestConsumeRollsOverAtDayBoundary(t *testing.T) {
	s := newTestStore(t)
	_, key, _ := s.CreateKey("daily", 1)

	if _, err := s.Consume(key.ID); err != nil {
		t.Fatalf("consume: %v", err)
	}
	// Force yesterday's counter.
	s.mu.Lock()
	k := s.findLocked(key.ID)
	k.CountDay = time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	s.mu.Unlock()

	got, err := s.Consume(key.ID)
	if err != nil {
		t.Fatalf("consume after rollover: %v", err)
	}
	if got.UsedToday != 1 {
		t.Fatalf("usedToday = %d, want 1 after rollover", got.UsedToday)
	}
}

func TestDisabledKeyRejected(t *testing.T) {
	s := newTestStore(t)
	plain, key, _ := s.CreateKey("off", 10)

	disabled := true
	if _, err := s.UpdateKey(key.ID, nil, &disabled); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := s.Authenticate(plain); err != ErrKeyDisabled {
		t.Fatalf("err = %v, want ErrKeyDisabled", err)
	}
}

func TestUnlimitedKeyHasNoCap(t *testing.T) {
	s := newTestStore(t)
	_, key, _ := s.CreateKey("unlimited", 0)

	for i := range 50 {
		if _, err := s.Consume(key.ID); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
}

func TestStorePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir, "secret")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	plain, _, _ := s1.CreateKey("persist", 5)

	s2, err := NewStore(dir, "secret")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := s2.Authenticate(plain); err != nil {
		t.Fatalf("key lost across reload: %v", err)
	}
}

func TestAdminSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	token, err := s.CreateSession()
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !s.ValidateSession(token) {
		t.Fatal("fresh session invalid")
	}
	if s.ValidateSession("not-a-session") {
		t.Fatal("bogus session validated")
	}
}

func TestDeleteKey(t *testing.T) {
	s := newTestStore(t)
	plain, key, _ := s.CreateKey("gone", 5)

	if err := s.DeleteKey(key.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Authenticate(plain); err != ErrKeyNotFound {
		t.Fatalf("deleted key still authenticates: %v", err)
	}
	if err := s.DeleteKey(key.ID); err != ErrKeyNotFound {
		t.Fatalf("double delete err = %v", err)
	}
}
