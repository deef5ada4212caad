package wasmhost

import (
	"context"
	"testing"
	"time"

	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/bus"
	"github.com/kierandrewett/lyplayer-server/internal/plugin"
	"github.com/kierandrewett/lyplayer-server/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The tests below hand-assemble the smallest valid WASM binaries that
// satisfy the host ABI's required-export contract (SPEC_FULL.md section
// 4.E), rather than shipping a prebuilt .wasm fixture, since nothing else
// in this module needs a WASM toolchain at build time.

// uleb128 encodes v as unsigned LEB128, the integer encoding the WASM
// binary format uses throughout (section/vector lengths, type indices).
func uleb128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

func wasmSection(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb128(uint32(len(content)))...)
	return append(out, content...)
}

func wasmExport(name string, kind byte, index uint32) []byte {
	out := uleb128(uint32(len(name)))
	out = append(out, []byte(name)...)
	out = append(out, kind)
	return append(out, uleb128(index)...)
}

// buildTestModule assembles a module exporting "memory" plus the four
// guest functions the ABI requires: lyserver_plugin_alloc(i32)->i32,
// lyserver_plugin_init/destroy()->(), lyserver_plugin_handle_message_event
// (i32,i32)->(). Every body is the minimal valid one for its signature.
// When omitInit is true, the init function is still defined (so function
// indices for the others are unaffected) but left unexported, exercising
// Load's required-export check.
func buildTestModule(omitInit bool) []byte {
	buf := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00} // \0asm, version 1

	// Type section: 0:(i32)->(i32)  1:()->()  2:(i32,i32)->()
	types := []byte{0x03}
	types = append(types, 0x60, 0x01, 0x7F, 0x01, 0x7F)
	types = append(types, 0x60, 0x00, 0x00)
	types = append(types, 0x60, 0x02, 0x7F, 0x7F, 0x00)
	buf = append(buf, wasmSection(1, types)...)

	// Function section: alloc=type0, init=type1, destroy=type1, handle=type2
	funcs := []byte{0x04, 0x00, 0x01, 0x01, 0x02}
	buf = append(buf, wasmSection(3, funcs)...)

	// Memory section: one memory, minimum 1 page, no maximum.
	mem := []byte{0x01, 0x00, 0x01}
	buf = append(buf, wasmSection(5, mem)...)

	// Export section.
	exports := [][]byte{
		wasmExport("memory", 0x02, 0),
		wasmExport("lyserver_plugin_alloc", 0x00, 0),
		wasmExport("lyserver_plugin_destroy", 0x00, 2),
		wasmExport("lyserver_plugin_handle_message_event", 0x00, 3),
	}
	if !omitInit {
		exports = append(exports, wasmExport("lyserver_plugin_init", 0x00, 1))
	}
	exportContent := uleb128(uint32(len(exports)))
	for _, e := range exports {
		exportContent = append(exportContent, e...)
	}
	buf = append(buf, wasmSection(7, exportContent)...)

	// Code section: alloc returns a constant 0; the rest return nothing.
	allocBody := []byte{0x00, 0x41, 0x00, 0x0B} // locals=0; i32.const 0; end
	voidBody := []byte{0x00, 0x0B}              // locals=0; end
	bodies := [][]byte{allocBody, voidBody, voidBody, voidBody}
	code := uleb128(uint32(len(bodies)))
	for _, b := range bodies {
		code = append(code, uleb128(uint32(len(b)))...)
		code = append(code, b...)
	}
	buf = append(buf, wasmSection(10, code)...)

	return buf
}

func newTestShared(t *testing.T, id string) *plugin.SharedPluginData {
	t.Helper()
	reg := registry.New("127.0.0.1", t.TempDir(), "0.0.0-test", bus.Capacity)
	ch, err := reg.RegisterPluginMessaging(id)
	require.NoError(t, err)
	return &plugin.SharedPluginData{
		Metadata: plugin.Metadata{ID: id},
		Channel:  ch,
		Registry: reg,
	}
}

func TestLoadRejectsModuleMissingRequiredExport(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx)
	require.NoError(t, err)
	defer engine.Close(ctx)

	shared := newTestShared(t, "broken@lyserver.local")

	_, err = Load(ctx, engine, shared, buildTestModule(true))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InstantiationFailed))
}

func TestLoadInstantiatesAndRunsGuestLifecycle(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx)
	require.NoError(t, err)
	defer engine.Close(ctx)

	shared := newTestShared(t, "hello@lyserver.local")

	p, err := Load(ctx, engine, shared, buildTestModule(false))
	require.NoError(t, err)

	require.NoError(t, p.Init(ctx))
	require.NoError(t, p.Destroy(ctx))
}

// TestInitDoesNotEmitPluginInitOnGuestsBehalf guards the handshake gate: a
// guest whose lyserver_plugin_init export never calls the send_message
// import must not have plugin_init appear on the bus regardless, or the
// manager's 10s init timeout for misbehaving guests is meaningless.
func TestInitDoesNotEmitPluginInitOnGuestsBehalf(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx)
	require.NoError(t, err)
	defer engine.Close(ctx)

	reg := registry.New("127.0.0.1", t.TempDir(), "0.0.0-test", bus.Capacity)
	ch, err := reg.RegisterPluginMessaging("silent@lyserver.local")
	require.NoError(t, err)
	shared := &plugin.SharedPluginData{
		Metadata: plugin.Metadata{ID: "silent@lyserver.local"},
		Channel:  ch,
		Registry: reg,
	}

	sub := reg.Bus.Subscribe()
	defer reg.Bus.Unsubscribe(sub)

	p, err := Load(ctx, engine, shared, buildTestModule(false))
	require.NoError(t, err)

	require.NoError(t, p.Init(ctx))

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event from a guest init that never calls send_message, got %q", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoadRejectsGarbageBytes(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx)
	require.NoError(t, err)
	defer engine.Close(ctx)

	shared := newTestShared(t, "garbage@lyserver.local")

	_, err = Load(ctx, engine, shared, []byte{0x00, 0x01, 0x02})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InstantiationFailed))
}
