package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/makihq/maki-gateway/internal/auth"
	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/dispatch"
	"github.com/makihq/maki-gateway/internal/events"
	"github.com/makihq/maki-gateway/internal/oauth"
	"github.com/makihq/maki-gateway/internal/pool"
	"github.com/makihq/maki-gateway/internal/potluck"
	"github.com/makihq/maki-gateway/internal/provider"
	"github.com/makihq/maki-gateway/internal/provider/claude"
	"github.com/makihq/maki-gateway/internal/provider/codex"
	"github.com/makihq/maki-gateway/internal/provider/gemini"
	"github.com/makihq/maki-gateway/internal/provider/kiro"
	"github.com/makihq/maki-gateway/internal/provider/letta"
	"github.com/makihq/maki-gateway/internal/provider/qwen"
	"github.com/makihq/maki-gateway/internal/risk"
	"github.com/makihq/maki-gateway/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires the gateway together and owns the HTTP surface.
type Server struct {
	cfg        *config.Config
	store      *credential.FileStore
	pools      *pool.Manager
	registry   *provider.Registry
	refresher  *dispatch.Refresher
	dispatcher *dispatch.Dispatcher
	riskEngine *risk.Engine
	journal    *risk.Journal
	tokens     *potluck.Store
	authMw     *auth.Middleware
	oauthFlows map[credential.ProviderType]oauth.Flow
	sessions   *oauth.SessionRegistry
	transport  *transport.Manager
	codex      *codex.Adapter
	bus        *events.Bus
	logHandler *events.LogHandler
	metrics    *Metrics
	promReg    *prometheus.Registry
	httpServer *http.Server
	version    string
	startTime  time.Time
}

func New(cfg *config.Config, store *credential.FileStore, tokens *potluck.Store, bus *events.Bus, lh *events.LogHandler, version string) *Server {
	pools := pool.NewManager(cfg, store, bus)
	journal := risk.NewJournal(store.Root(), cfg.RiskMaxEvents, cfg.RiskFlushDebounce)
	riskEngine := risk.NewEngine(cfg, pools, journal, bus)

	tm := transport.NewManager(cfg)
	registry := provider.NewRegistry()
	codexAdapter := codex.New(cfg, tm)
	registry.Register(claude.New(cfg, tm))
	registry.Register(kiro.New(cfg, tm))
	registry.Register(codexAdapter)
	registry.Register(gemini.New(cfg, tm))
	registry.Register(qwen.New(cfg, tm))
	registry.Register(letta.New(cfg, tm))

	refresher := dispatch.NewRefresher(pools, registry, store, riskEngine, bus, cfg.RefreshTimeout)

	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)

	router := dispatch.NewRouter(cfg)
	dispatcher := dispatch.New(cfg, pools, registry, refresher, riskEngine, router, bus, metrics)

	srv := &Server{
		cfg:        cfg,
		store:      store,
		pools:      pools,
		registry:   registry,
		refresher:  refresher,
		dispatcher: dispatcher,
		riskEngine: riskEngine,
		journal:    journal,
		tokens:     tokens,
		authMw:     auth.NewMiddleware(cfg.AdminToken, tokens),
		oauthFlows: oauth.Flows(),
		sessions:   oauth.NewSessionRegistry(cfg.OAuthSessionTimeout),
		transport:  tm,
		codex:      codexAdapter,
		bus:        bus,
		logHandler: lh,
		metrics:    metrics,
		promReg:    promReg,
		version:    version,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        srv.requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

// Bootstrap restores the pool snapshot and links any credential files on
// disk that are not pool nodes yet.
func (s *Server) Bootstrap() error {
	if snapshot, err := s.store.LoadSnapshot(); err != nil {
		slog.Warn("pool snapshot unreadable, starting empty", "error", err)
	} else if snapshot != nil {
		s.pools.Restore(snapshot)
	}

	linked, err := s.pools.AutoLink(time.Now())
	if err != nil {
		return fmt.Errorf("auto-link credentials: %w", err)
	}
	if linked > 0 {
		slog.Info("credentials auto-linked", "count", linked)
	}

	if err := s.loadKiroPoolConfig(); err != nil {
		return fmt.Errorf("KIRO_POOL_CONFIG: %w", err)
	}
	return nil
}

// loadKiroPoolConfig registers accounts declared inline via env. Accounts
// already present on disk (matched by account id) are left alone.
func (s *Server) loadKiroPoolConfig() error {
	if s.cfg.KiroPoolConfig == "" {
		return nil
	}
	var files []credential.CredentialFile
	if err := json.Unmarshal([]byte(s.cfg.KiroPoolConfig), &files); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	known := make(map[string]bool)
	for _, n := range s.pools.List(credential.ProviderKiro) {
		if n.Secrets.AccountID != "" {
			known[n.Secrets.AccountID] = true
		}
	}

	now := time.Now()
	added := 0
	for i := range files {
		cf := files[i]
		if cf.AccountID != "" && known[cf.AccountID] {
			continue
		}
		path, err := s.store.WriteCredential(credential.ProviderKiro, &cf, now.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			return err
		}
		node := credential.NodeFromFile(uuid.New().String(), credential.ProviderKiro, path, &cf, now)
		if err := s.pools.Add(node); err != nil {
			return err
		}
		added++
	}
	if added > 0 {
		slog.Info("kiro pool config loaded", "accounts", added)
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	client := s.authMw.Client
	admin := s.authMw.Admin

	// OpenAI protocol
	mux.Handle("POST /v1/chat/completions", client(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("POST /v1/completions", client(http.HandlerFunc(s.handleCompletions)))
	mux.Handle("GET /v1/models", client(http.HandlerFunc(s.handleListModels)))
	mux.Handle("POST /v1/embeddings", client(http.HandlerFunc(s.handleEmbeddings)))

	// Anthropic protocol
	mux.Handle("POST /v1/messages", client(http.HandlerFunc(s.handleMessages)))

	// Gemini protocol (model and action live in the path segment)
	mux.Handle("POST /v1beta/models/{modelAction}", client(http.HandlerFunc(s.handleGemini)))

	// Ollama protocol
	mux.Handle("POST /api/chat", client(http.HandlerFunc(s.handleOllamaChat)))
	mux.Handle("POST /api/generate", client(http.HandlerFunc(s.handleOllamaGenerate)))
	mux.Handle("GET /api/tags", client(http.HandlerFunc(s.handleOllamaTags)))
	mux.Handle("POST /api/show", client(http.HandlerFunc(s.handleOllamaShow)))
	mux.HandleFunc("GET /api/version", s.handleOllamaVersion)

	// Context compression
	mux.Handle("POST /v1/compact", client(http.HandlerFunc(s.handleCompact)))

	// Potluck client surface
	mux.HandleFunc("GET /api/potluckuser/usage", s.handlePotluckUsage)
	mux.Handle("POST /upload", client(http.HandlerFunc(s.handleUpload)))
	mux.Handle("POST /kiro/batch-import-tokens", client(http.HandlerFunc(s.handleKiroBatchImport)))
	mux.Handle("POST /kiro/import-aws-credentials", client(http.HandlerFunc(s.handleKiroAWSImport)))

	// Potluck admin CRUD
	mux.Handle("POST /api/potluck", admin(http.HandlerFunc(s.handlePotluckCreate)))
	mux.Handle("GET /api/potluck", admin(http.HandlerFunc(s.handlePotluckList)))
	mux.Handle("GET /api/potluck/{id}", admin(http.HandlerFunc(s.handlePotluckGet)))
	mux.Handle("POST /api/potluck/{id}", admin(http.HandlerFunc(s.handlePotluckUpdate)))
	mux.Handle("DELETE /api/potluck/{id}", admin(http.HandlerFunc(s.handlePotluckDelete)))

	// Provider admin
	mux.Handle("GET /providers", admin(http.HandlerFunc(s.handleProviders)))
	mux.Handle("GET /providers/{type}", admin(http.HandlerFunc(s.handleProviderNodes)))
	mux.Handle("POST /providers/{type}/generate-auth-url", admin(http.HandlerFunc(s.handleGenerateAuthURL)))
	mux.Handle("POST /providers/{type}/exchange-code", admin(http.HandlerFunc(s.handleExchangeCode)))
	mux.Handle("DELETE /providers/{type}/{uuid}", admin(http.HandlerFunc(s.handleDeleteNode)))
	mux.Handle("POST /providers/{type}/{uuid}/enable", admin(http.HandlerFunc(s.handleEnableNode)))
	mux.Handle("POST /providers/{type}/{uuid}/disable", admin(http.HandlerFunc(s.handleDisableNode)))
	mux.Handle("POST /providers/{type}/{uuid}/release", admin(http.HandlerFunc(s.handleReleaseNode)))
	mux.Handle("POST /providers/{type}/{uuid}/refresh", admin(http.HandlerFunc(s.handleRefreshNode)))

	// Admin: login, observability
	mux.HandleFunc("POST /admin/login", s.handleLogin)
	mux.Handle("GET /admin/events", admin(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /admin/logs", admin(http.HandlerFunc(s.handleLogs)))
	mux.Handle("GET /admin/risk/journal", admin(http.HandlerFunc(s.handleRiskJournal)))

	// Metrics + health
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", s.handleHealth)
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transport.RunCleanup(ctx)
	go s.codex.RunCleanup(ctx)
	go s.runPoolGauges(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}

	// Flush pending state before exit.
	s.journal.Flush()
	s.store.FlushSnapshot()
	s.transport.Close()
	return nil
}

func (s *Server) runPoolGauges(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range credential.All() {
				s.metrics.SetAvailable(string(p), s.pools.AvailableCount(p))
			}
		}
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		slog.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).Round(time.Millisecond).String(),
		)
	})
}
