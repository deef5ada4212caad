package registry

import (
	"testing"

	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/bus"
	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T) event.Event {
	t.Helper()
	ev, err := event.NewEvent("t", event.AllTarget(), event.PluginTarget("a"), nil)
	require.NoError(t, err)
	return ev
}

func newTestRegistry() *Registry {
	return New("0.0.0.0", "/tmp/lyserver-test", "0.0.0-test", bus.Capacity)
}

func TestRegisterPluginMessagingRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry()

	_, err := r.RegisterPluginMessaging("hello@lyserver.local")
	require.NoError(t, err)

	_, err = r.RegisterPluginMessaging("hello@lyserver.local")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.AlreadyRegistered))
}

func TestUnregisterPluginMessagingAllowsReRegistration(t *testing.T) {
	r := newTestRegistry()

	_, err := r.RegisterPluginMessaging("db@lyserver.local")
	require.NoError(t, err)

	r.UnregisterPluginMessaging("db@lyserver.local")

	_, err = r.RegisterPluginMessaging("db@lyserver.local")
	require.NoError(t, err)
}

func TestAddAndRemovePlugin(t *testing.T) {
	r := newTestRegistry()
	r.AddPlugin(&LoadedPlugin{Metadata: Metadata{ID: "a"}})
	r.AddPlugin(&LoadedPlugin{Metadata: Metadata{ID: "b"}})

	assert.Len(t, r.ListPlugins(), 2)

	_, ok := r.GetPluginMetadataByID("a")
	assert.True(t, ok)

	r.RemovePlugin("a")
	assert.Len(t, r.ListPlugins(), 1)

	_, ok = r.GetPluginMetadataByID("a")
	assert.False(t, ok)
}

func TestDispatchEventFailsAfterShutdown(t *testing.T) {
	r := newTestRegistry()
	r.SetShutdown()

	ev := mustEvent(t)
	err := r.DispatchEvent(ev)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.BusClosed))
}
