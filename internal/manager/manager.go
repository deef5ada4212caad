// Package manager owns the plugin lifecycle described in SPEC_FULL.md
// section 4.B/4.G: discovering plugin directories under <data_dir>/plugins,
// instantiating them (native built-ins are constructed in-process; WASM
// guests go through internal/wasmhost), running the init handshake, and
// supervising each loaded plugin for the life of the process.
//
// The supervisor goroutine started for every plugin — native or WASM
// alike — is the single place that pumps bus events into a plugin's
// HandleMessageEvent: a plugin's Init is free to additionally pull events
// off its own channel (the WASM ABI's receive_message import does exactly
// this), but it races the supervisor for the same channel rather than
// owning it exclusively.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/kierandrewett/lyplayer-server/internal/logger"
	"github.com/kierandrewett/lyplayer-server/internal/plugin"
	"github.com/kierandrewett/lyplayer-server/internal/registry"
	"github.com/kierandrewett/lyplayer-server/internal/wasmhost"
)

// initHandshakeTimeout is how long the manager waits for a freshly loaded
// plugin to emit its plugin_init event before giving up on it.
const initHandshakeTimeout = 10 * time.Second

// Constructor builds a plugin.Plugin given the shared data the manager
// prepared for it (registered messaging channel, metadata, registry
// handle). Native built-ins pass a closure; the WASM path uses
// wasmhost.Load wrapped into this shape.
type Constructor func(shared *plugin.SharedPluginData) (plugin.Plugin, error)

// Manager supervises every loaded plugin's lifetime.
type Manager struct {
	registry *registry.Registry
	engine   *wasmhost.Engine

	wg sync.WaitGroup
}

// New constructs a Manager bound to reg for messaging/dispatch and engine
// for instantiating WASM guests discovered on disk.
func New(reg *registry.Registry, engine *wasmhost.Engine) *Manager {
	return &Manager{registry: reg, engine: engine}
}

// LoadPlugin registers id's messaging channel, constructs its instance,
// records it in the registry, and spawns its supervisor goroutine. It
// blocks until the init handshake completes (or times out), so callers
// can log success/failure per plugin as they load.
//
// On any failure — construction, registration, or a missed handshake —
// everything this call allocated is torn down before the error is
// returned; no partially loaded plugin is left in the registry.
func (m *Manager) LoadPlugin(ctx context.Context, meta registry.Metadata, construct Constructor) error {
	channel, err := m.registry.RegisterPluginMessaging(meta.ID)
	if err != nil {
		return err
	}

	shared := &plugin.SharedPluginData{
		Metadata: meta,
		Channel:  channel,
		Registry: m.registry,
	}

	instance, err := construct(shared)
	if err != nil {
		m.registry.UnregisterPluginMessaging(meta.ID)
		return fmt.Errorf("construct plugin %q: %w", meta.ID, err)
	}

	pluginCtx, cancel := context.WithCancel(ctx)
	lp := &registry.LoadedPlugin{Instance: instance, Metadata: meta, Cancel: cancel}

	// Subscribe for the handshake event before starting Init, so the
	// plugin's own plugin_init broadcast can never race ahead of us.
	waiter := m.registry.NewWaiter()

	initErrCh := make(chan error, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		initErrCh <- instance.Init(pluginCtx)
	}()

	_, matched := waiter.Wait(pluginCtx, func(ev event.Event) bool {
		senderID, isDirected := ev.Sender.PluginID()
		return ev.Type == "plugin_init" && isDirected && senderID == meta.ID
	}, initHandshakeTimeout)

	if !matched {
		cancel()
		m.registry.UnregisterPluginMessaging(meta.ID)
		return apperr.InitTimeoutErr(meta.ID)
	}

	m.registry.AddPlugin(lp)

	m.wg.Add(1)
	go m.supervise(pluginCtx, cancel, instance, shared, meta, initErrCh)

	return nil
}

// supervise is the generic, uniform pump loop shared by native and WASM
// plugins: it reads every event the dispatcher forwards to this plugin's
// channel and calls HandleMessageEvent for each, until the plugin's own
// Init returns or ctx is cancelled. On exit it calls Destroy exactly once
// and unregisters the plugin from the registry.
func (m *Manager) supervise(ctx context.Context, cancel context.CancelFunc, instance plugin.Plugin, shared *plugin.SharedPluginData, meta registry.Metadata, initErrCh <-chan error) {
	defer m.wg.Done()
	defer cancel()

	log := logger.ForPlugin(meta.ID)

pump:
	for {
		select {
		case ev, chOk := <-shared.Channel.Events():
			if !chOk {
				break pump
			}
			if err := instance.HandleMessageEvent(ctx, ev); err != nil {
				log.Warn().Err(err).Str("event_type", ev.Type).Msg("plugin failed to handle event")
			}
		case err := <-initErrCh:
			if err != nil {
				log.Error().Err(err).Msg("plugin init returned an error")
			}
			break pump
		case <-ctx.Done():
			break pump
		}
	}

	destroyCtx, cancelDestroy := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDestroy()
	if err := instance.Destroy(destroyCtx); err != nil {
		log.Warn().Err(err).Msg("plugin destroy returned an error")
	}

	m.registry.UnregisterPluginMessaging(meta.ID)
	m.registry.RemovePlugin(meta.ID)
	log.Info().Msg("plugin unloaded")
}

// Shutdown cancels every loaded plugin and blocks until every supervisor
// goroutine has finished tearing its plugin down.
func (m *Manager) Shutdown() {
	m.registry.SetShutdown()
	for _, lp := range m.registry.ListPlugins() {
		lp.Cancel()
	}
	m.wg.Wait()
}

// DiscoverWasmPlugins scans <data_dir>/plugins for subdirectories
// containing a manifest.toml, parses each with a non-strict TOML decoder
// (unknown keys ignored), and loads every one it can via the WASM
// engine. A directory with a missing manifest or wasm entry point is
// logged and skipped rather than aborting discovery for the rest.
func (m *Manager) DiscoverWasmPlugins(ctx context.Context, pluginsDir string) {
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		logger.Plugins().Warn().Err(err).Str("dir", pluginsDir).Msg("failed to read plugins directory")
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(pluginsDir, entry.Name())
		if err := m.loadWasmPluginDir(ctx, dir); err != nil {
			logger.Plugins().Warn().Err(err).Str("dir", dir).Msg("skipping plugin directory")
		}
	}
}

func (m *Manager) loadWasmPluginDir(ctx context.Context, dir string) error {
	manifestPath := filepath.Join(dir, "manifest.toml")
	if _, err := os.Stat(manifestPath); err != nil {
		return apperr.ManifestMissingErr(dir)
	}

	var meta registry.Metadata
	if _, err := toml.DecodeFile(manifestPath, &meta); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if meta.ID == "" {
		return fmt.Errorf("manifest in %q is missing an id", dir)
	}

	wasmPath := meta.WasmEntryPoint
	if !filepath.IsAbs(wasmPath) {
		wasmPath = filepath.Join(dir, wasmPath)
	}
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return apperr.WasmEntryMissingErr(wasmPath)
	}

	err = m.LoadPlugin(ctx, meta, func(shared *plugin.SharedPluginData) (plugin.Plugin, error) {
		return wasmhost.Load(ctx, m.engine, shared, wasmBytes)
	})
	if err != nil {
		return err
	}

	logger.Plugins().Info().Str("plugin_id", meta.ID).Str("dir", dir).Msg("loaded WASM plugin")
	return nil
}
