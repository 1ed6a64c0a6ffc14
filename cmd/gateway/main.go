package main

import (
	"log/slog"
	"os"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/events"
	"github.com/makihq/maki-gateway/internal/potluck"
	"github.com/makihq/maki-gateway/internal/server"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	// Logging with ring buffer handler for the admin log tail.
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("maki-gateway starting", "version", version)

	// Credential directory must be writable before anything else runs.
	store, err := credential.NewFileStore(cfg.ConfigDir, cfg.RiskFlushDebounce)
	if err != nil {
		slog.Error("credential store init failed", "error", err)
		os.Exit(2)
	}
	slog.Info("credential store ready", "dir", store.Root())

	tokens, err := potluck.NewStore(store.Root(), cfg.AdminToken)
	if err != nil {
		slog.Error("token store init failed", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(200)

	srv := server.New(cfg, store, tokens, bus, logHandler, version)
	if err := srv.Bootstrap(); err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
