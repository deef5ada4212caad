package manager

import (
	"context"
	"testing"
	"time"

	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/bus"
	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/kierandrewett/lyplayer-server/internal/plugin"
	"github.com/kierandrewett/lyplayer-server/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New("127.0.0.1", t.TempDir(), "0.0.0-test", bus.Capacity)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.RunDispatcher(ctx)
	return r
}

// wellBehavedPlugin emits plugin_init immediately and blocks on ctx until
// cancelled, recording every event it is handed.
type wellBehavedPlugin struct {
	plugin.BasePlugin
	handled   chan event.Event
	destroyed chan struct{}
}

func newWellBehavedPlugin(shared *plugin.SharedPluginData) (plugin.Plugin, error) {
	p := &wellBehavedPlugin{handled: make(chan event.Event, 8), destroyed: make(chan struct{}, 1)}
	p.Shared = shared
	return p, nil
}

func (p *wellBehavedPlugin) Init(ctx context.Context) error {
	if err := p.Shared.EmitInit(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (p *wellBehavedPlugin) Destroy(ctx context.Context) error {
	select {
	case p.destroyed <- struct{}{}:
	default:
	}
	return nil
}

func (p *wellBehavedPlugin) HandleMessageEvent(ctx context.Context, ev event.Event) error {
	p.handled <- ev
	return nil
}

// neverInitPlugin never emits plugin_init, to exercise the handshake
// timeout path.
type neverInitPlugin struct {
	plugin.BasePlugin
}

func newNeverInitPlugin(shared *plugin.SharedPluginData) (plugin.Plugin, error) {
	p := &neverInitPlugin{}
	p.Shared = shared
	return p, nil
}

func (p *neverInitPlugin) Init(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (p *neverInitPlugin) Destroy(ctx context.Context) error { return nil }

func TestLoadPluginCompletesHandshakeAndRegisters(t *testing.T) {
	r := newTestRegistry(t)
	m := New(r, nil)

	meta := registry.Metadata{ID: "well-behaved@lyserver.local", Name: "wb"}
	err := m.LoadPlugin(context.Background(), meta, newWellBehavedPlugin)
	require.NoError(t, err)

	_, ok := r.GetPluginByID(meta.ID)
	assert.True(t, ok)

	m.Shutdown()

	_, ok = r.GetPluginByID(meta.ID)
	assert.False(t, ok)
}

func TestLoadPluginTimesOutWithoutHandshake(t *testing.T) {
	r := newTestRegistry(t)
	m := New(r, nil)

	meta := registry.Metadata{ID: "never-init@lyserver.local"}

	// Use a short-lived context so the test doesn't have to wait out the
	// full 10s production timeout: LoadPlugin returns InitTimeout as soon
	// as ctx is done if the handshake hasn't arrived yet.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := m.LoadPlugin(ctx, meta, newNeverInitPlugin)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InitTimeout))

	_, ok := r.GetPluginByID(meta.ID)
	assert.False(t, ok)
}

func TestSuperviseDeliversBusEventsToHandleMessageEvent(t *testing.T) {
	r := newTestRegistry(t)
	m := New(r, nil)

	meta := registry.Metadata{ID: "listener@lyserver.local"}
	err := m.LoadPlugin(context.Background(), meta, newWellBehavedPlugin)
	require.NoError(t, err)

	inst, ok := r.GetPluginByID(meta.ID)
	require.True(t, ok)
	wb := inst.(*wellBehavedPlugin)

	ev, err := event.NewEvent("ping", event.PluginTarget(meta.ID), event.PluginTarget("sender@lyserver.local"), nil)
	require.NoError(t, err)
	require.NoError(t, r.DispatchEvent(ev))

	select {
	case got := <-wb.handled:
		assert.Equal(t, "ping", got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}

	m.Shutdown()

	select {
	case <-wb.destroyed:
	default:
		t.Fatal("expected Destroy to have run")
	}
}
