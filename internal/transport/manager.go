package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/credential"
	"golang.org/x/net/http2"
)

// Manager provides per-credential HTTP clients. Direct connections use a
// utls Chrome fingerprint over h2; nodes with a proxy config, or the system
// proxy, go through their proxy dialer.
type Manager struct {
	cfg *config.Config

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:     cfg,
		entries: make(map[string]*poolEntry),
	}
}

// GetClient returns an http.Client routed for the node.
func (m *Manager) GetClient(node *credential.Node) *http.Client {
	return &http.Client{
		Transport: m.getRoundTripper(node),
		Timeout:   m.cfg.RequestTimeout,
	}
}

// RunCleanup drops idle transports. Blocks until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(5 * time.Minute)
		}
	}
}

// Close closes all pooled transports.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(m.entries, key)
	}
}

func (m *Manager) getRoundTripper(node *credential.Node) http.RoundTripper {
	key := m.transportKey(node)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := m.buildRoundTripper(node)
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

func (m *Manager) transportKey(node *credential.Node) string {
	if node != nil && node.Proxy != nil {
		return proxyKey(node.Proxy)
	}
	if m.cfg.SystemProxyEnabled && m.cfg.SystemProxyURL != "" {
		return "system:" + m.cfg.SystemProxyURL
	}
	return "direct"
}

func (m *Manager) buildRoundTripper(node *credential.Node) http.RoundTripper {
	if node != nil && node.Proxy != nil {
		return &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     5 * time.Minute,
			DialTLSContext:      proxyDialer(node.Proxy),
		}
	}
	if m.cfg.SystemProxyEnabled && m.cfg.SystemProxyURL != "" {
		if pcfg := parseProxyURL(m.cfg.SystemProxyURL); pcfg != nil {
			return &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     5 * time.Minute,
				DialTLSContext:      proxyDialer(pcfg),
			}
		}
	}
	// Direct connections use an h2 transport over the utls dialer.
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr)
		},
	}
}

func parseProxyURL(raw string) *credential.ProxyConfig {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil
	}
	pcfg := &credential.ProxyConfig{
		Type: u.Scheme,
		Host: u.Hostname(),
	}
	if port := u.Port(); port != "" {
		pcfg.Port, _ = strconv.Atoi(port)
	} else if u.Scheme == "socks5" {
		pcfg.Port = 1080
	} else {
		pcfg.Port = 8080
	}
	if u.User != nil {
		pcfg.Username = u.User.Username()
		pcfg.Password, _ = u.User.Password()
	}
	return pcfg
}

func proxyKey(p *credential.ProxyConfig) string {
	return fmt.Sprintf("%s://%s:%d", p.Type, p.Host, p.Port)
}
