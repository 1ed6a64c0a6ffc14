package codex

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	conversationTTL  = time.Hour
	cleanupInterval  = 15 * time.Minute
)

// conversationCache pins a Codex conversation id per (model, user) so
// follow-up turns land in the same upstream conversation.
type conversationCache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	model  string
	userID string
}

type cacheEntry struct {
	conversationID string
	expiresAt      time.Time
}

func newConversationCache() *conversationCache {
	return &conversationCache{entries: make(map[cacheKey]cacheEntry)}
}

// Get returns the pinned conversation id, minting one when absent or
// expired. Every hit renews the TTL.
func (c *conversationCache) Get(model, userID string) string {
	key := cacheKey{model: model, userID: userID}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		e.expiresAt = now.Add(conversationTTL)
		c.entries[key] = e
		return e.conversationID
	}

	id := uuid.New().String()
	c.entries[key] = cacheEntry{conversationID: id, expiresAt: now.Add(conversationTTL)}
	return id
}

// RunCleanup purges expired entries. Blocks until ctx is canceled.
func (c *conversationCache) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.purge(time.Now())
		}
	}
}

func (c *conversationCache) purge(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *conversationCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
