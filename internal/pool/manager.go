package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/events"
)

// ErrNoHealthyNode is returned when a pool has no available credential.
var ErrNoHealthyNode = errors.New("no healthy credential available")

// ErrDuplicateNode is returned when a uuid already exists in any pool.
var ErrDuplicateNode = errors.New("credential uuid already registered")

// Manager owns one pool per provider type. Each pool is guarded by its own
// read-write lock; counters live on the nodes themselves so invariants stay
// local to the lock.
type Manager struct {
	cfg   *config.Config
	store *credential.FileStore
	bus   *events.Bus

	mu    sync.RWMutex // guards the pools map itself
	pools map[credential.ProviderType]*pool
}

type pool struct {
	mu       sync.RWMutex
	nodes    []*credential.Node
	byUUID   map[string]*credential.Node
	rrCursor int
}

func NewManager(cfg *config.Config, store *credential.FileStore, bus *events.Bus) *Manager {
	m := &Manager{
		cfg:   cfg,
		store: store,
		bus:   bus,
		pools: make(map[credential.ProviderType]*pool),
	}
	for _, p := range credential.All() {
		m.pools[p] = &pool{byUUID: make(map[string]*credential.Node)}
	}
	store.SetSnapshotSource(m.snapshot)
	return m
}

func (m *Manager) pool(p credential.ProviderType) *pool {
	m.mu.RLock()
	pl := m.pools[p]
	m.mu.RUnlock()
	if pl != nil {
		return pl
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pl = m.pools[p]; pl == nil {
		pl = &pool{byUUID: make(map[string]*credential.Node)}
		m.pools[p] = pl
	}
	return pl
}

// Restore loads a previously snapshotted pool state.
func (m *Manager) Restore(snapshot map[credential.ProviderType][]*credential.Node) {
	for p, nodes := range snapshot {
		for _, n := range nodes {
			if err := m.Add(n); err != nil {
				slog.Warn("skipping snapshot node", "uuid", n.UUID, "error", err)
			}
		}
	}
}

// Add registers a node. Uuids are unique across all pools; Kiro nodes
// sharing an account inherit the sibling machine id.
func (m *Manager) Add(n *credential.Node) error {
	if n.UUID == "" {
		n.UUID = uuid.New().String()
	}
	if n.State == "" {
		n.State = credential.StateHealthy
	}
	if _, ok := m.Find(n.UUID); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.UUID)
	}

	pl := m.pool(n.ProviderType)
	pl.mu.Lock()
	if n.ProviderType == credential.ProviderKiro {
		m.adoptMachineIDLocked(pl, n)
	}
	pl.nodes = append(pl.nodes, n)
	pl.byUUID[n.UUID] = n
	pl.mu.Unlock()

	m.store.ScheduleSnapshot()
	m.bus.Publish(events.Event{
		Type:         events.EventPool,
		ProviderType: string(n.ProviderType),
		UUID:         n.UUID,
		Message:      "credential registered",
	})
	return nil
}

// adoptMachineIDLocked keeps machine ids coherent across Kiro siblings.
func (m *Manager) adoptMachineIDLocked(pl *pool, n *credential.Node) {
	if n.Secrets.AccountID != "" {
		for _, sib := range pl.nodes {
			if sib.Secrets.AccountID == n.Secrets.AccountID && sib.Secrets.MachineID != "" {
				n.Secrets.MachineID = sib.Secrets.MachineID
				return
			}
		}
	}
	if n.Secrets.MachineID == "" {
		n.Secrets.MachineID = credential.DeriveMachineID(n.UUID)
	}
}

// Remove deletes a node and its credential file.
func (m *Manager) Remove(p credential.ProviderType, id string) error {
	pl := m.pool(p)
	pl.mu.Lock()
	n, ok := pl.byUUID[id]
	if ok {
		delete(pl.byUUID, id)
		for i, cand := range pl.nodes {
			if cand.UUID == id {
				pl.nodes = append(pl.nodes[:i], pl.nodes[i+1:]...)
				break
			}
		}
	}
	pl.mu.Unlock()
	if !ok {
		return fmt.Errorf("credential %s not found", id)
	}

	if err := m.store.DeleteCredential(n.SourcePath); err != nil {
		slog.Warn("credential file delete failed", "path", n.SourcePath, "error", err)
	}
	m.store.ScheduleSnapshot()
	m.bus.Publish(events.Event{
		Type:         events.EventPool,
		ProviderType: string(p),
		UUID:         id,
		Message:      "credential deleted",
	})
	return nil
}

// Get returns a clone of a node.
func (m *Manager) Get(p credential.ProviderType, id string) (*credential.Node, bool) {
	pl := m.pool(p)
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	n, ok := pl.byUUID[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Find locates a node by uuid across all pools.
func (m *Manager) Find(id string) (*credential.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pl := range m.pools {
		pl.mu.RLock()
		n, ok := pl.byUUID[id]
		var clone *credential.Node
		if ok {
			clone = n.Clone()
		}
		pl.mu.RUnlock()
		if ok {
			return clone, true
		}
	}
	return nil, false
}

// List returns clones of all nodes for a provider type.
func (m *Manager) List(p credential.ProviderType) []*credential.Node {
	pl := m.pool(p)
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	out := make([]*credential.Node, 0, len(pl.nodes))
	for _, n := range pl.nodes {
		out = append(out, n.Clone())
	}
	return out
}

// ListAll returns clones of every pool.
func (m *Manager) ListAll() map[credential.ProviderType][]*credential.Node {
	out := make(map[credential.ProviderType][]*credential.Node)
	m.mu.RLock()
	types := make([]credential.ProviderType, 0, len(m.pools))
	for p := range m.pools {
		types = append(types, p)
	}
	m.mu.RUnlock()
	for _, p := range types {
		if nodes := m.List(p); len(nodes) > 0 {
			out[p] = nodes
		}
	}
	return out
}

// Mutate runs fn on the live node under the pool writer lock and schedules a
// snapshot. Implements the risk engine's NodeMutator capability.
func (m *Manager) Mutate(p credential.ProviderType, id string, fn func(*credential.Node)) bool {
	pl := m.pool(p)
	pl.mu.Lock()
	n, ok := pl.byUUID[id]
	if ok {
		fn(n)
	}
	pl.mu.Unlock()
	if ok {
		m.store.ScheduleSnapshot()
	}
	return ok
}

// MarkUsed bumps usage counters after a successful dispatch.
func (m *Manager) MarkUsed(p credential.ProviderType, id string) {
	now := time.Now()
	m.Mutate(p, id, func(n *credential.Node) {
		n.UsageCount++
		n.LastUsed = &now
	})
}

// AutoLink scans the credential directories and registers files that are not
// yet pool nodes. Returns the number of nodes linked.
func (m *Manager) AutoLink(now time.Time) (int, error) {
	known := make(map[string]bool)
	for _, nodes := range m.ListAll() {
		for _, n := range nodes {
			if n.SourcePath != "" {
				known[n.SourcePath] = true
			}
		}
	}

	found, err := m.store.Scan(known)
	if err != nil {
		return 0, fmt.Errorf("scan credential dir: %w", err)
	}

	linked := 0
	for p, paths := range found {
		for _, path := range paths {
			cf, err := m.store.ReadCredential(path)
			if err != nil {
				slog.Warn("unreadable credential file", "path", path, "error", err)
				continue
			}
			n := credential.NodeFromFile(uuid.New().String(), p, path, cf, now)
			if err := m.Add(n); err != nil {
				slog.Warn("auto-link failed", "path", path, "error", err)
				continue
			}
			linked++
			slog.Info("credential auto-linked", "providerType", p, "uuid", n.UUID, "path", path)
		}
	}
	return linked, nil
}

// snapshot renders the current pool state for the debounced disk write.
func (m *Manager) snapshot() map[credential.ProviderType][]*credential.Node {
	return m.ListAll()
}
