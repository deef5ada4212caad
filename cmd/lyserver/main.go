// Command lyserver boots the LYServer plugin runtime: it parses CLI flags,
// constructs the shared registry, starts the event bus's dispatcher
// goroutine, loads the three built-in native plugins (database,
// preferences, http), scans <data_dir>/plugins for WASM guests and
// instantiates each, then waits for a shutdown signal (SPEC_FULL.md
// section 6).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/kierandrewett/lyplayer-server/internal/builtin/database"
	"github.com/kierandrewett/lyplayer-server/internal/builtin/httpserver"
	"github.com/kierandrewett/lyplayer-server/internal/builtin/preferences"
	"github.com/kierandrewett/lyplayer-server/internal/bus"
	"github.com/kierandrewett/lyplayer-server/internal/config"
	"github.com/kierandrewett/lyplayer-server/internal/logger"
	"github.com/kierandrewett/lyplayer-server/internal/manager"
	"github.com/kierandrewett/lyplayer-server/internal/registry"
	"github.com/kierandrewett/lyplayer-server/internal/wasmhost"

	"os/signal"
)

// version is stamped at build time via -ldflags; it falls back to "dev".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "lyserver:", err)
		return 1
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error().Err(err).Str("data_dir", cfg.DataDir).Msg("unable to create data directory")
		return 1
	}
	pluginsDir := filepath.Join(cfg.DataDir, "plugins")
	if err := os.MkdirAll(pluginsDir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", pluginsDir).Msg("unable to create plugins directory")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(cfg.Address, cfg.DataDir, version, bus.Capacity)
	go reg.RunDispatcher(ctx)

	engine, err := wasmhost.NewEngine(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to start WASM engine")
		return 1
	}
	defer engine.Close(context.Background())

	mgr := manager.New(reg, engine)

	if err := loadBuiltins(ctx, mgr, cfg); err != nil {
		log.Error().Err(err).Msg("failed to load a built-in plugin")
		mgr.Shutdown()
		return 1
	}

	mgr.DiscoverWasmPlugins(ctx, pluginsDir)

	log.Info().Str("addr", cfg.ListenAddr()).Str("data_dir", cfg.DataDir).Msg("lyserver ready")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, tearing down plugins")
	mgr.Shutdown()
	log.Info().Msg("shutdown complete")
	return 0
}

// loadBuiltins loads the three reference native plugins in the fixed
// order database -> preferences -> http, since preferences depends on
// database's Invoke surface and http's fast-path status route depends on
// being able to list every already-loaded plugin.
func loadBuiltins(ctx context.Context, mgr *manager.Manager, cfg config.Config) error {
	if err := mgr.LoadPlugin(ctx, database.Metadata(), database.Constructor(cfg.DataDir, version)); err != nil {
		return fmt.Errorf("load database plugin: %w", err)
	}
	if err := mgr.LoadPlugin(ctx, preferences.Metadata(), preferences.Constructor()); err != nil {
		return fmt.Errorf("load preferences plugin: %w", err)
	}
	if err := mgr.LoadPlugin(ctx, httpserver.Metadata(), httpserver.Constructor(cfg.ListenAddr())); err != nil {
		return fmt.Errorf("load http plugin: %w", err)
	}
	return nil
}
