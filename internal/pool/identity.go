package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/makihq/maki-gateway/internal/credential"
)

// AccountKey derives the stable identity key coordinating sibling nodes.
// Nodes without an account id are their own singleton identity.
func AccountKey(n *credential.Node) string {
	if n.Secrets.AccountID == "" {
		return "uuid:" + n.UUID
	}
	h := sha256.Sum256([]byte(n.Secrets.AccountID + "|" + n.Secrets.AuthMethod))
	return hex.EncodeToString(h[:16])
}

// Siblings returns clones of all nodes sharing the account identity key.
func (m *Manager) Siblings(p credential.ProviderType, key string) []*credential.Node {
	pl := m.pool(p)
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	var out []*credential.Node
	for _, n := range pl.nodes {
		if AccountKey(n) == key {
			out = append(out, n.Clone())
		}
	}
	return out
}

// PropagateTokens copies freshly refreshed tokens to every sibling under the
// same account identity key, and rewrites their credential files.
func (m *Manager) PropagateTokens(p credential.ProviderType, key string, access, refresh string, expiresAt *time.Time) []*credential.Node {
	pl := m.pool(p)

	var updated []*credential.Node
	pl.mu.Lock()
	for _, n := range pl.nodes {
		if AccountKey(n) != key {
			continue
		}
		n.Secrets.AccessToken = access
		if refresh != "" {
			n.Secrets.RefreshToken = refresh
		}
		n.ExpiresAt = expiresAt
		n.NeedsRefresh = false
		if n.State == credential.StateNeedsRefresh {
			n.State = credential.StateHealthy
			n.IsHealthy = true
		}
		updated = append(updated, n.Clone())
	}
	pl.mu.Unlock()

	if len(updated) > 0 {
		m.store.ScheduleSnapshot()
	}
	return updated
}
