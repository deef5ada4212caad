package wasmhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/kierandrewett/lyplayer-server/internal/logger"
	"github.com/kierandrewett/lyplayer-server/internal/plugin"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// requiredExports are the guest exports every compiled module must expose.
// memory is checked separately since it isn't a function.
var requiredExports = []string{guestAlloc, guestInit, guestDestroy, guestHandleEvent}

// Plugin wraps one instantiated WASM guest module behind the plugin.Plugin
// contract. Init and Destroy call the corresponding guest export exactly
// once each, mirroring the original loader precisely: this type does not
// itself pump events into the guest. Event delivery is the caller's
// (internal/manager's) job, via repeated calls to HandleMessageEvent.
//
// All guest calls are serialized by mu, since a single wazero module
// instance cannot safely run two calls concurrently.
type Plugin struct {
	plugin.BasePlugin

	engine *Engine
	shared *plugin.SharedPluginData

	module api.Module
	mu     sync.Mutex

	allocFn        api.Function
	initFn         api.Function
	destroyFn      api.Function
	handleEventFn  api.Function
	compiledModule wazero.CompiledModule
}

// Load compiles and instantiates the given wasm bytes as a plugin bound to
// shared, verifying every required guest export is present.
func Load(ctx context.Context, engine *Engine, shared *plugin.SharedPluginData, wasmBytes []byte) (*Plugin, error) {
	compiled, err := engine.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, apperr.InstantiationFailedErr(shared.Metadata.ID, err)
	}

	config := wazero.NewModuleConfig().
		WithStdout(stdoutSink{}).
		WithStderr(stdoutSink{}).
		WithName(shared.Metadata.ID)

	mod, err := engine.runtime.InstantiateModule(ctx, compiled, config)
	if err != nil {
		compiled.Close(ctx)
		return nil, apperr.InstantiationFailedErr(shared.Metadata.ID, err)
	}

	if mod.Memory() == nil {
		mod.Close(ctx)
		compiled.Close(ctx)
		return nil, apperr.InstantiationFailedErr(shared.Metadata.ID, fmt.Errorf("module exports no memory"))
	}

	fns := map[string]api.Function{}
	for _, name := range requiredExports {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			mod.Close(ctx)
			compiled.Close(ctx)
			return nil, apperr.InstantiationFailedErr(shared.Metadata.ID, fmt.Errorf("missing required export %q", name))
		}
		fns[name] = fn
	}

	p := &Plugin{
		engine:         engine,
		shared:         shared,
		module:         mod,
		allocFn:        fns[guestAlloc],
		initFn:         fns[guestInit],
		destroyFn:      fns[guestDestroy],
		handleEventFn:  fns[guestHandleEvent],
		compiledModule: compiled,
	}
	p.BasePlugin.Shared = shared

	engine.register(mod, p)
	return p, nil
}

// Init calls the guest's init export exactly once and returns when it
// returns. It does not loop or pump events; any event consumption the
// guest performs during its own init happens via the receive_message
// import, racing non-exclusively against the manager's dispatch loop.
//
// Unlike a native plugin, this type never emits plugin_init on the
// guest's behalf: the guest export is responsible for sending it via the
// send_message ABI before doing anything else, exactly as any native
// plugin's Init must. Emitting it here would let a guest whose own init
// never sends plugin_init still satisfy the manager's handshake.
func (p *Plugin) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.initFn.Call(ctx); err != nil {
		return apperr.Wrap(apperr.InstantiationFailed, "guest init export failed", err)
	}
	return nil
}

// Destroy calls the guest's destroy export exactly once, then releases the
// module and its compiled image.
func (p *Plugin) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.destroyFn.Call(ctx)

	p.engine.unregister(p.module)
	p.module.Close(ctx)
	p.compiledModule.Close(ctx)

	if err != nil {
		return fmt.Errorf("guest destroy export failed: %w", err)
	}
	return nil
}

// HandleMessageEvent is the generic event-pump's per-event dispatch into
// the guest: CBOR-encode ev, allocate a guest buffer for it via the
// guest's own alloc export, write the bytes, and invoke the guest's
// handle_message_event export with the resulting (ptr, len).
func (p *Plugin) HandleMessageEvent(ctx context.Context, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := encodeEvent(ev)
	if err != nil {
		return apperr.PayloadDecodeErr(err)
	}

	ptr, length, err := p.allocAndWriteLocked(ctx, data)
	if err != nil {
		return err
	}

	if _, err := p.handleEventFn.Call(ctx, uint64(ptr), uint64(length)); err != nil {
		return apperr.Wrap(apperr.PluginInvoke, "guest handle_message_event export failed", err)
	}
	return nil
}

// Invoke is intentionally left to BasePlugin's default (UnknownMethodErr):
// the original WASM loader never implements synchronous invocation for
// guest plugins.

// allocAndWrite is called from hostReceiveMessage, a host import the guest
// invokes from inside its own currently-running export call (init or
// handle_message_event) — which means mu is already held by the Go
// frame further up this same goroutine's stack (Init/HandleMessageEvent).
// Taking mu again here would deadlock on the non-reentrant mutex, so this
// relies on that invariant rather than locking itself.
func (p *Plugin) allocAndWrite(ctx context.Context, data []byte) (uint32, bool) {
	ptr, _, err := p.allocAndWriteLocked(ctx, data)
	if err != nil {
		logger.WASM().Warn().Err(err).Str("plugin_id", p.shared.Metadata.ID).Msg("failed to write event into guest memory")
		return 0, false
	}
	return ptr, true
}

// allocAndWriteLocked assumes the caller already holds mu (or is running
// within a guest call already covered by it — see allocAndWrite).
func (p *Plugin) allocAndWriteLocked(ctx context.Context, data []byte) (uint32, uint32, error) {
	results, err := p.allocFn.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, 0, apperr.Wrap(apperr.InstantiationFailed, "guest alloc export failed", err)
	}
	ptr := uint32(results[0])

	if !p.module.Memory().Write(ptr, data) {
		return 0, 0, guestMemoryFault(p.shared.Metadata.ID, ptr, uint32(len(data)))
	}
	return ptr, uint32(len(data)), nil
}

// encodeEvent/decodeEvent wrap the shared CBOR wire codec for whole Event
// values, used for the receive_message/send_message ABI frames.
func encodeEvent(ev event.Event) ([]byte, error) {
	return event.EncodeEvent(ev)
}

func decodeEvent(data []byte) (event.Event, error) {
	return event.DecodeEvent(data)
}

// stdoutSink discards guest-inherited stdio; the guest is expected to use
// the explicit stdout_write/log_* ABI functions instead, matching the
// original's host-mediated logging contract.
type stdoutSink struct{}

func (stdoutSink) Write(p []byte) (int, error) { return len(p), nil }
