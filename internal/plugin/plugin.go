// Package plugin defines the polymorphic plugin contract (SPEC_FULL.md
// section 4.D) implemented identically by native, in-process plugins and
// by the WASM host's wrapper around a guest module.
package plugin

import (
	"context"
	"encoding/json"

	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/kierandrewett/lyplayer-server/internal/registry"
)

// Metadata is an alias of registry.Metadata so plugin authors do not need
// to import the registry package just to describe themselves.
type Metadata = registry.Metadata

// Plugin is the capability set every plugin — native or WASM-backed —
// exposes. The native path implements it with ordinary virtual dispatch;
// the WASM path (internal/wasmhost) wraps a guest module's exported
// functions behind the same interface.
type Plugin interface {
	// Metadata returns the plugin's published identity. Must be pure,
	// cheap, and total.
	Metadata() Metadata

	// Init runs the plugin's long-running loop. It must emit a
	// plugin_init event addressed All with its own id as sender before
	// doing anything else — the manager's handshake depends on it. It
	// may run indefinitely; it returns when ctx is cancelled or the
	// plugin's own loop decides to stop, whichever comes first.
	Init(ctx context.Context) error

	// Destroy is invoked when cancellation is signaled. It should
	// release resources and must terminate promptly. A Destroy failure
	// is logged; teardown proceeds regardless.
	Destroy(ctx context.Context) error

	// HandleMessageEvent is an optional per-event callback for plugins
	// that prefer an event-driven style over pulling events inside
	// Init. BasePlugin supplies a no-op default.
	HandleMessageEvent(ctx context.Context, ev event.Event) error

	// Invoke is the synchronous in-process RPC surface used by other
	// plugins. Unrecognized methods return an UnknownMethod error.
	Invoke(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error)
}

// SharedPluginData is what the manager hands to a plugin constructor: the
// plugin's own id/metadata, its registered messaging channel, and a
// pointer back to the shared registry for Invoke-ing other plugins or
// dispatching events.
type SharedPluginData struct {
	Metadata Metadata
	Channel  *registry.PluginChannel
	Registry *registry.Registry
}

// Emit dispatches ev onto the bus via the shared registry.
func (s *SharedPluginData) Emit(ev event.Event) error {
	return s.Registry.DispatchEvent(ev)
}

// EmitInit publishes this plugin's plugin_init handshake event. Every
// plugin's Init must call this before doing anything else.
func (s *SharedPluginData) EmitInit() error {
	ev, err := event.NewEvent("plugin_init", event.AllTarget(), event.PluginTarget(s.Metadata.ID), nil)
	if err != nil {
		return err
	}
	return s.Emit(ev)
}

// BasePlugin supplies the no-op defaults the spec allows for
// HandleMessageEvent and Invoke, mirroring the teacher's BasePlugin
// embedding convention: a concrete plugin embeds BasePlugin and only
// overrides what it needs.
type BasePlugin struct {
	Shared *SharedPluginData
}

func (b *BasePlugin) Metadata() Metadata {
	return b.Shared.Metadata
}

func (b *BasePlugin) HandleMessageEvent(ctx context.Context, ev event.Event) error {
	return nil
}

func (b *BasePlugin) Invoke(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	return nil, apperr.UnknownMethodErr(method)
}
