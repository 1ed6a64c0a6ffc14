package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/makihq/maki-gateway/internal/convert"
	"github.com/makihq/maki-gateway/internal/credential"
)

// ChunkStream iterates canonical chunks from an upstream stream. Next
// returns io.EOF at normal end of stream.
type ChunkStream interface {
	Next() (*convert.ChatChunk, error)
	Close() error
}

// RefreshResult carries freshly minted tokens.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Adapter is the capability interface one upstream family implements. The
// dispatcher never branches on the concrete type behind it.
type Adapter interface {
	Type() credential.ProviderType

	// Unary performs a non-streaming completion.
	Unary(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (*convert.ChatResponse, error)

	// Stream opens a streaming completion.
	Stream(ctx context.Context, node *credential.Node, req *convert.ChatRequest) (ChunkStream, error)

	// ListModels returns the models this credential can reach.
	ListModels(ctx context.Context, node *credential.Node) ([]convert.Model, error)

	// Refresh exchanges the node's refresh token for new credentials.
	Refresh(ctx context.Context, node *credential.Node) (*RefreshResult, error)

	// ExpiryThreshold is how far ahead of expiresAt a refresh is triggered.
	ExpiryThreshold() time.Duration
}

// ClientProvider supplies per-node HTTP clients (proxy + TLS fingerprint).
type ClientProvider interface {
	GetClient(node *credential.Node) *http.Client
}

// Registry maps provider types to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[credential.ProviderType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[credential.ProviderType]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

func (r *Registry) Get(p credential.ProviderType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider type %s", p)
	}
	return a, nil
}

// Types lists registered provider types.
func (r *Registry) Types() []credential.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]credential.ProviderType, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
