package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/events"
	"github.com/makihq/maki-gateway/internal/pool"
	"github.com/makihq/maki-gateway/internal/provider"
	"github.com/makihq/maki-gateway/internal/risk"
	"golang.org/x/sync/singleflight"
)

// Refresher coordinates token refreshes: one flight per account identity
// key, sibling propagation, atomic file rewrites, and risk signalling.
type Refresher struct {
	pools    *pool.Manager
	registry *provider.Registry
	store    *credential.FileStore
	risk     *risk.Engine
	bus      *events.Bus
	timeout  time.Duration

	group singleflight.Group
}

func NewRefresher(pools *pool.Manager, registry *provider.Registry, store *credential.FileStore, riskEngine *risk.Engine, bus *events.Bus, timeout time.Duration) *Refresher {
	return &Refresher{
		pools:    pools,
		registry: registry,
		store:    store,
		risk:     riskEngine,
		bus:      bus,
		timeout:  timeout,
	}
}

// EnsureFresh refreshes the node when it is flagged or its expiry is near,
// and returns the node with current tokens.
func (r *Refresher) EnsureFresh(ctx context.Context, node *credential.Node) (*credential.Node, error) {
	adapter, err := r.registry.Get(node.ProviderType)
	if err != nil {
		return nil, err
	}
	if !node.NeedsRefresh && !node.ExpiryNear(time.Now(), adapter.ExpiryThreshold()) {
		return node, nil
	}
	return r.Refresh(ctx, node)
}

// Refresh performs the refresh unconditionally. Concurrent refreshes of
// sibling nodes collapse into one upstream call.
func (r *Refresher) Refresh(ctx context.Context, node *credential.Node) (*credential.Node, error) {
	key := string(node.ProviderType) + "/" + pool.AccountKey(node)

	_, err, _ := r.group.Do(key, func() (any, error) {
		return nil, r.refreshOnce(ctx, node)
	})
	if err != nil {
		return nil, err
	}

	fresh, ok := r.pools.Get(node.ProviderType, node.UUID)
	if !ok {
		return nil, fmt.Errorf("credential %s disappeared during refresh", node.UUID)
	}
	return fresh, nil
}

func (r *Refresher) refreshOnce(ctx context.Context, node *credential.Node) error {
	adapter, err := r.registry.Get(node.ProviderType)
	if err != nil {
		return err
	}

	refreshCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	slog.Info("refreshing credential", "providerType", node.ProviderType, "uuid", node.UUID)
	res, err := adapter.Refresh(refreshCtx, node)
	if err != nil {
		var invalid *provider.ErrInvalidGrant
		if errors.As(err, &invalid) {
			r.risk.Observe(node.ProviderType, node.UUID, risk.SignalAuthInvalid, risk.Detail{
				ReasonCode:   "refresh_invalid_grant",
				ErrorSnippet: invalid.Error(),
			})
		}
		return fmt.Errorf("refresh %s: %w", node.UUID, err)
	}

	// Propagate to every sibling under the shared account key, then rewrite
	// their credential files atomically.
	key := pool.AccountKey(node)
	updated := r.pools.PropagateTokens(node.ProviderType, key, res.AccessToken, res.RefreshToken, res.ExpiresAt)
	for _, sib := range updated {
		if sib.SourcePath == "" {
			continue
		}
		if err := r.store.UpdateCredential(sib.SourcePath, credential.FileFromNode(sib)); err != nil {
			slog.Error("credential file update failed", "uuid", sib.UUID, "error", err)
		}
	}

	r.risk.Observe(node.ProviderType, node.UUID, risk.SignalMarkedHealthy, risk.Detail{ReasonCode: "refresh_ok"})
	r.bus.Publish(events.Event{
		Type:         events.EventRefresh,
		ProviderType: string(node.ProviderType),
		UUID:         node.UUID,
		Message:      fmt.Sprintf("tokens refreshed (%d siblings)", len(updated)),
	})
	slog.Info("credential refreshed", "providerType", node.ProviderType, "uuid", node.UUID, "siblings", len(updated))
	return nil
}
