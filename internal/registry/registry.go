// Package registry implements the single process-wide shared state
// described in SPEC_FULL.md section 4.B: the bind address, data directory,
// version, and start time fixed at boot; the shutdown flag toggled by the
// signal handler; the ordered loaded-plugin list; and the per-plugin
// messaging table that the event bus's dispatcher goroutine fans events
// into.
//
// Architecture
//
// The bus package delivers every event to every global subscriber; the
// registry's own dispatcher (RunDispatcher and fanOut) forwards each one
// into the per-plugin channels. The registry also owns the bookkeeping the
// dispatcher and the plugin manager both need a single shared view of: who
// is loaded, and which channel belongs to which plugin id.
//
// Thread safety
//
// LoadedPlugins and PluginTx are guarded by independent RWMutexes, so a
// read of one does not block a write of the other. RegisterPluginMessaging
// performs its check-then-insert atomically under the write lock, which is
// the one correctness requirement SPEC_FULL.md calls out explicitly.
//
// Known limitations
//
// The registry holds no notion of plugin ordering beyond insertion order;
// callers that need a stable re-sort (e.g. for display) should sort a copy.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/bus"
	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/kierandrewett/lyplayer-server/internal/logger"
)

// PluginChannel is a per-plugin fan-out destination: a dedicated buffered
// channel fed only with events whose target matches this plugin's id,
// forwarded by the registry's dispatcher goroutine. Unlike a raw
// bus.Subscriber (which observes every event unfiltered, used by
// ReceiveEvent/WaitUntil), a PluginChannel is what a plugin's own
// init loop or WASM receive-message call actually reads from.
type PluginChannel struct {
	ch       chan event.Event
	lagCount atomic.Int64
}

// Events returns the channel this plugin reads matched events from.
func (p *PluginChannel) Events() <-chan event.Event {
	return p.ch
}

// LagCount returns how many matched events were dropped because this
// plugin's channel was full when the dispatcher tried to forward.
func (p *PluginChannel) LagCount() int64 {
	return p.lagCount.Load()
}

// Metadata is a plugin's published identity, parsed from its manifest (or
// constructed in-process for built-ins).
type Metadata struct {
	ID             string `toml:"id" json:"id"`
	Name           string `toml:"name" json:"name"`
	Description    string `toml:"description" json:"description"`
	Version        string `toml:"version" json:"version"`
	Author         string `toml:"author" json:"author"`
	WasmEntryPoint string `toml:"wasm_entry_point" json:"wasm_entry_point,omitempty"`
}

// LoadedPlugin is the (instance, metadata, cancellation-handle) triple
// held in the registry's ordered list. Instance is `any` so the registry
// itself has no dependency on the plugin package, avoiding an import
// cycle (plugin.Plugin implementations construct themselves against a
// *registry.Registry).
type LoadedPlugin struct {
	Instance any
	Metadata Metadata
	Cancel   context.CancelFunc
}

// Registry is the single, shared process-wide state.
type Registry struct {
	BindAddress string
	DataDir     string
	Version     string
	StartTime   time.Time

	shutdownFlag atomic.Bool

	pluginsMu sync.RWMutex
	plugins   []*LoadedPlugin

	Bus *bus.Bus

	txMu sync.RWMutex
	tx   map[string]*PluginChannel
}

// New constructs a Registry. busCapacity should be bus.Capacity in
// production; tests may pass a smaller value to exercise lag behavior.
func New(bindAddress, dataDir, version string, busCapacity int) *Registry {
	return &Registry{
		BindAddress: bindAddress,
		DataDir:     dataDir,
		Version:     version,
		StartTime:   time.Now(),
		Bus:         bus.New(busCapacity),
		tx:          make(map[string]*PluginChannel),
	}
}

// RunDispatcher is the dedicated dispatcher goroutine described in
// SPEC_FULL.md section 4.C: it subscribes once to the global bus and, for
// every event observed, forwards it to each per-plugin channel whose
// target filter matches, without blocking on a slow plugin and without
// reordering events from the same sender relative to each other.
// It runs until ctx is done or the bus is closed.
func (r *Registry) RunDispatcher(ctx context.Context) {
	sub := r.Bus.Subscribe()
	defer r.Bus.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			r.fanOut(ev)
		case <-ctx.Done():
			return
		}
	}
}

// fanOut forwards ev to every registered per-plugin channel whose id
// matches ev's target. Each forward is a non-blocking send: pc.ch is
// buffered, so a plugin that is merely a little behind still gets the
// event without stalling this loop. The send happens inline rather than
// in its own goroutine so that two events from the same sender land on a
// subscriber's channel in the order fanOut was called for them; spawning
// a goroutine per send would let the scheduler reorder them.
func (r *Registry) fanOut(ev event.Event) {
	r.txMu.RLock()
	targets := make(map[string]*PluginChannel, len(r.tx))
	for id, pc := range r.tx {
		if ev.Target.Matches(id) {
			targets[id] = pc
		}
	}
	r.txMu.RUnlock()

	for id, pc := range targets {
		select {
		case pc.ch <- ev:
		default:
			n := pc.lagCount.Add(1)
			logger.Bus().Warn().
				Str("plugin_id", id).
				Int64("lag_count", n).
				Str("event_type", ev.Type).
				Msg("plugin subscriber lagging, dropping event")
		}
	}
}

// SetShutdown sets the shutdown flag, typically from a signal handler.
func (r *Registry) SetShutdown() {
	r.shutdownFlag.Store(true)
}

// ShuttingDown reports whether shutdown has been signaled.
func (r *Registry) ShuttingDown() bool {
	return r.shutdownFlag.Load()
}

// AddPlugin appends a loaded-plugin record to the ordered list.
func (r *Registry) AddPlugin(lp *LoadedPlugin) {
	r.pluginsMu.Lock()
	defer r.pluginsMu.Unlock()
	r.plugins = append(r.plugins, lp)
}

// RemovePlugin removes the loaded-plugin record for id, if present.
func (r *Registry) RemovePlugin(id string) {
	r.pluginsMu.Lock()
	defer r.pluginsMu.Unlock()
	for i, lp := range r.plugins {
		if lp.Metadata.ID == id {
			r.plugins = append(r.plugins[:i], r.plugins[i+1:]...)
			return
		}
	}
}

// ListPlugins returns a snapshot of the loaded-plugin list in load order.
func (r *Registry) ListPlugins() []*LoadedPlugin {
	r.pluginsMu.RLock()
	defer r.pluginsMu.RUnlock()
	out := make([]*LoadedPlugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// GetPluginByID returns the loaded instance for id, if present.
func (r *Registry) GetPluginByID(id string) (any, bool) {
	r.pluginsMu.RLock()
	defer r.pluginsMu.RUnlock()
	for _, lp := range r.plugins {
		if lp.Metadata.ID == id {
			return lp.Instance, true
		}
	}
	return nil, false
}

// GetPluginMetadataByID returns the metadata for id, if present.
func (r *Registry) GetPluginMetadataByID(id string) (Metadata, bool) {
	r.pluginsMu.RLock()
	defer r.pluginsMu.RUnlock()
	for _, lp := range r.plugins {
		if lp.Metadata.ID == id {
			return lp.Metadata, true
		}
	}
	return Metadata{}, false
}

// DispatchEvent publishes ev onto the global bus.
func (r *Registry) DispatchEvent(ev event.Event) error {
	if r.ShuttingDown() {
		return apperr.BusClosedErr()
	}
	return r.Bus.Publish(ev)
}

// RegisterPluginMessaging inserts a fresh per-plugin channel for id.
// The check-then-insert is atomic under the write lock, so two concurrent
// registrations for the same id can never both succeed.
func (r *Registry) RegisterPluginMessaging(id string) (*PluginChannel, error) {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	if _, exists := r.tx[id]; exists {
		return nil, apperr.AlreadyRegisteredErr(id)
	}

	pc := &PluginChannel{ch: make(chan event.Event, bus.Capacity)}
	r.tx[id] = pc
	return pc, nil
}

// UnregisterPluginMessaging removes the per-plugin channel for id, if
// present, and closes it so any blocked reader wakes with ok=false.
func (r *Registry) UnregisterPluginMessaging(id string) {
	r.txMu.Lock()
	pc, exists := r.tx[id]
	if exists {
		delete(r.tx, id)
	}
	r.txMu.Unlock()

	if exists {
		close(pc.ch)
	}
}

// PluginSubscriber returns the per-plugin channel for id, if registered.
func (r *Registry) PluginSubscriber(id string) (*PluginChannel, bool) {
	r.txMu.RLock()
	defer r.txMu.RUnlock()
	pc, ok := r.tx[id]
	return pc, ok
}

// ReceiveEvent subscribes a fresh receiver to the global bus and returns
// the next event it observes, or an error if ctx is done first.
func (r *Registry) ReceiveEvent(ctx context.Context) (event.Event, error) {
	sub := r.Bus.Subscribe()
	defer r.Bus.Unsubscribe(sub)

	select {
	case ev, ok := <-sub.Events():
		if !ok {
			return event.Event{}, apperr.BusClosedErr()
		}
		return ev, nil
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// NewWaiter exposes the bus's race-free wait_until subscription primitive.
func (r *Registry) NewWaiter() *bus.Waiter {
	return r.Bus.NewWaiter()
}
