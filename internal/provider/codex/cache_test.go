package codex

import (
	"testing"
	"time"
)

func TestConversationCacheStickyPerModelAndUser(t *testing.T) {
	c := newConversationCache()

	first := c.Get("gpt-5", "alice")
	if first == "" {
		t.Fatal("empty conversation id")
	}
	if again := c.Get("gpt-5", "alice"); again != first {
		t.Fatalf("conversation id changed: %s != %s", again, first)
	}
	if other := c.Get("gpt-5", "bob"); other == first {
		t.Fatal("different users must not share a conversation")
	}
	if other := c.Get("o4-mini", "alice"); other == first {
		t.Fatal("different models must not share a conversation")
	}
}

func TestConversationCachePurgeDropsExpired(t *testing.T) {
	c := newConversationCache()
	c.Get("gpt-5", "alice")
	c.Get("gpt-5", "bob")

	// Nothing expired yet.
	c.purge(time.Now())
	if c.len() != 2 {
		t.Fatalf("len = %d, want 2", c.len())
	}

	// Past the TTL everything goes.
	c.purge(time.Now().Add(conversationTTL + time.Minute))
	if c.len() != 0 {
		t.Fatalf("len = %d, want 0 after purge", c.len())
	}
}

func TestConversationCacheRenewsTTLOnHit(t *testing.T) {
	c := newConversationCache()
	id := c.Get("gpt-5", "alice")

	c.mu.Lock()
	e := c.entries[cacheKey{model: "gpt-5", userID: "alice"}]
	e.expiresAt = time.Now().Add(time.Minute)
	c.entries[cacheKey{model: "gpt-5", userID: "alice"}] = e
	c.mu.Unlock()

	if got := c.Get("gpt-5", "alice"); got != id {
		t.Fatal("hit should keep the id")
	}

	c.mu.Lock()
	renewed := c.entries[cacheKey{model: "gpt-5", userID: "alice"}].expiresAt
	c.mu.Unlock()
	if time.Until(renewed) < 30*time.Minute {
		t.Fatalf("ttl not renewed, expires in %v", time.Until(renewed))
	}
}
