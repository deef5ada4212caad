// Package wasmhost embeds a wazero runtime and exposes the fixed host ABI
// (SPEC_FULL.md section 4.E) that every sandboxed WASM plugin links
// against: standard-output passthrough, four log levels, and the
// bidirectional bus messaging pair (receive_message/send_message). All
// imports live in the "env" module, matching the ABI table literally.
//
// A single Engine is created once per process (one wazero.Runtime), and
// produces one Plugin per loaded .wasm module. Every host call into a
// given module is serialized by that Plugin's own mutex, so wazero's
// single-threaded-per-store requirement is respected without a
// process-wide lock.
package wasmhost

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/logger"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	abiStdoutWrite = "lyserver_plugin_stdout_write"
	abiLogInfo     = "lyserver_plugin_log_info"
	abiLogWarn     = "lyserver_plugin_log_warn"
	abiLogError    = "lyserver_plugin_log_error"
	abiLogDebug    = "lyserver_plugin_log_debug"
	abiReceive     = "lyserver_plugin_receive_message"
	abiSend        = "lyserver_plugin_send_message"

	guestAlloc       = "lyserver_plugin_alloc"
	guestInit        = "lyserver_plugin_init"
	guestDestroy     = "lyserver_plugin_destroy"
	guestHandleEvent = "lyserver_plugin_handle_message_event"
)

// Engine owns the process-wide wazero runtime and the env host module
// every loaded plugin instantiates against.
type Engine struct {
	runtime wazero.Runtime

	mu      sync.RWMutex
	modules map[api.Module]*Plugin
}

// NewEngine constructs the runtime, instantiates WASI, and registers the
// env host module. It is created once per process.
func NewEngine(ctx context.Context) (*Engine, error) {
	rt := wazero.NewRuntime(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	e := &Engine{runtime: rt, modules: make(map[api.Module]*Plugin)}

	if _, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(e.hostStdoutWrite).Export(abiStdoutWrite).
		NewFunctionBuilder().WithFunc(e.hostLogInfo).Export(abiLogInfo).
		NewFunctionBuilder().WithFunc(e.hostLogWarn).Export(abiLogWarn).
		NewFunctionBuilder().WithFunc(e.hostLogError).Export(abiLogError).
		NewFunctionBuilder().WithFunc(e.hostLogDebug).Export(abiLogDebug).
		NewFunctionBuilder().WithFunc(e.hostReceiveMessage).Export(abiReceive).
		NewFunctionBuilder().WithFunc(e.hostSendMessage).Export(abiSend).
		Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("register env host module: %w", err)
	}

	return e, nil
}

// Close tears down every instantiated module and the runtime itself.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	for m := range e.modules {
		delete(e.modules, m)
	}
	e.mu.Unlock()
	return e.runtime.Close(ctx)
}

func (e *Engine) register(m api.Module, p *Plugin) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modules[m] = p
}

func (e *Engine) unregister(m api.Module) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.modules, m)
}

func (e *Engine) lookup(m api.Module) *Plugin {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.modules[m]
}

// hostStdoutWrite copies len bytes from guest memory at ptr to the host's
// own stdout, matching the original's stdio-inheritance contract.
func (e *Engine) hostStdoutWrite(ctx context.Context, m api.Module, ptr, length uint32) {
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		e.logGuestMemoryFault(m, ptr, length)
		return
	}
	os.Stdout.Write(data)
}

// logGuestMemoryFault records a ptr/len pair a guest handed the host that
// falls outside its own linear memory, matching the GuestMemoryFault raised
// by allocAndWriteLocked for the opposite (host-writes-into-guest)
// direction: every ptr/len read from the guest is bounds-checked the same
// way, regardless of which host import received it.
func (e *Engine) logGuestMemoryFault(m api.Module, ptr, length uint32) {
	p := e.lookup(m)
	id := "unknown"
	if p != nil {
		id = p.shared.Metadata.ID
	}
	logger.WASM().Warn().Err(guestMemoryFault(id, ptr, length)).Str("plugin_id", id).Msg("guest handed host an out-of-bounds memory window")
}

func (e *Engine) logFromGuest(m api.Module, ptr, length uint32, level string) {
	p := e.lookup(m)
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		e.logGuestMemoryFault(m, ptr, length)
		return
	}

	id := "unknown"
	if p != nil {
		id = p.shared.Metadata.ID
	}
	l := logger.ForPlugin(id)
	msg := string(data)

	switch level {
	case "info":
		l.Info().Msg(msg)
	case "warn":
		l.Warn().Msg(msg)
	case "error":
		l.Error().Msg(msg)
	default:
		l.Debug().Msg(msg)
	}
}

func (e *Engine) hostLogInfo(ctx context.Context, m api.Module, ptr, length uint32) {
	e.logFromGuest(m, ptr, length, "info")
}

func (e *Engine) hostLogWarn(ctx context.Context, m api.Module, ptr, length uint32) {
	e.logFromGuest(m, ptr, length, "warn")
}

func (e *Engine) hostLogError(ctx context.Context, m api.Module, ptr, length uint32) {
	e.logFromGuest(m, ptr, length, "error")
}

func (e *Engine) hostLogDebug(ctx context.Context, m api.Module, ptr, length uint32) {
	e.logFromGuest(m, ptr, length, "debug")
}

// hostReceiveMessage blocks until the plugin's next bus event is available
// (or ctx ends), allocates a guest buffer for it via the guest's own
// lyserver_plugin_alloc export, copies the serialized event in, and writes
// the resulting (ptr, len) pair as little-endian i32s into the two output
// slots. On a closed channel or a cancelled context it writes zeros,
// matching the ABI's empty/closed case.
func (e *Engine) hostReceiveMessage(ctx context.Context, m api.Module, retPtrOut, retLenOut uint32) {
	p := e.lookup(m)
	if p == nil {
		writeZeroPair(m, retPtrOut, retLenOut)
		return
	}

	select {
	case ev, ok := <-p.shared.Channel.Events():
		if !ok {
			writeZeroPair(m, retPtrOut, retLenOut)
			return
		}
		data, err := encodeEvent(ev)
		if err != nil {
			writeZeroPair(m, retPtrOut, retLenOut)
			return
		}
		ptr, ok := p.allocAndWrite(ctx, data)
		if !ok {
			writeZeroPair(m, retPtrOut, retLenOut)
			return
		}
		writeU32LE(m, retPtrOut, ptr)
		writeU32LE(m, retLenOut, uint32(len(data)))
	case <-ctx.Done():
		writeZeroPair(m, retPtrOut, retLenOut)
	}
}

// hostSendMessage decodes the event sitting in the guest's memory window
// and dispatches it onto the bus, writing 0 for success and 1 for failure
// into ret_ptr_out — exactly the original's little-endian u32 result code.
func (e *Engine) hostSendMessage(ctx context.Context, m api.Module, ptr, length, retPtrOut uint32) {
	p := e.lookup(m)
	if p == nil {
		writeU32LE(m, retPtrOut, 1)
		return
	}

	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		e.logGuestMemoryFault(m, ptr, length)
		writeU32LE(m, retPtrOut, 1)
		return
	}

	ev, err := decodeEvent(data)
	if err != nil {
		writeU32LE(m, retPtrOut, 1)
		return
	}

	if err := p.shared.Emit(ev); err != nil {
		writeU32LE(m, retPtrOut, 1)
		return
	}
	writeU32LE(m, retPtrOut, 0)
}

func writeZeroPair(m api.Module, retPtrOut, retLenOut uint32) {
	writeU32LE(m, retPtrOut, 0)
	writeU32LE(m, retLenOut, 0)
}

func writeU32LE(m api.Module, addr, value uint32) {
	m.Memory().WriteUint32Le(addr, value)
}

// guestMemoryFault is returned by the engine when a ptr/len pair a plugin
// hands the host does not fit within the guest's linear memory.
func guestMemoryFault(pluginID string, ptr, length uint32) error {
	return apperr.GuestMemoryFaultErr(pluginID, ptr, length)
}
