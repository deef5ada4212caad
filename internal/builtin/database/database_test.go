package database_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kierandrewett/lyplayer-server/internal/builtin/database"
	"github.com/kierandrewett/lyplayer-server/internal/bus"
	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/kierandrewett/lyplayer-server/internal/plugin"
	"github.com/kierandrewett/lyplayer-server/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPlugin(t *testing.T) (plugin.Plugin, *registry.Registry) {
	t.Helper()
	reg := registry.New("127.0.0.1", t.TempDir(), "1.2.3", bus.Capacity)
	shared := &plugin.SharedPluginData{Metadata: database.Metadata(), Registry: reg}
	p, err := database.Constructor(reg.DataDir, "1.2.3")(shared)
	require.NoError(t, err)
	return p, reg
}

// startAndWaitReady runs Init in the background and blocks until the
// plugin's plugin_init handshake event is observed, mirroring the init
// handshake in the manager's LoadPlugin.
func startAndWaitReady(t *testing.T, ctx context.Context, p plugin.Plugin, reg *registry.Registry) <-chan error {
	t.Helper()
	waiter := reg.NewWaiter()
	initErr := make(chan error, 1)
	go func() { initErr <- p.Init(ctx) }()

	_, matched := waiter.Wait(context.Background(), func(ev event.Event) bool {
		return ev.Type == "plugin_init"
	}, 2*time.Second)
	require.True(t, matched, "expected plugin_init within 2s")
	return initErr
}

func TestDatabasePluginMigratesAndStampsServerVersion(t *testing.T) {
	p, reg := newPlugin(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	initErr := startAndWaitReady(t, ctx, p, reg)

	raw, err := p.Invoke(context.Background(), "query", []json.RawMessage{
		[]byte(`"SELECT key, native_type, is_locked FROM preferences WHERE key = '__server_version'"`),
	})
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "String", rows[0]["native_type"])
	assert.EqualValues(t, 1, rows[0]["is_locked"])

	cancel()
	require.NoError(t, <-initErr)
	require.NoError(t, p.Destroy(context.Background()))
}

func TestDatabasePluginExecAndQueryRoundTrip(t *testing.T) {
	p, reg := newPlugin(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	initErr := startAndWaitReady(t, ctx, p, reg)

	key, _ := json.Marshal("hello")
	nativeType, _ := json.Marshal("String")
	value, _ := json.Marshal("world")

	_, err := p.Invoke(context.Background(), "exec", []json.RawMessage{
		mustJSON(t, "INSERT INTO preferences (key, native_type, value, is_locked) VALUES (?, ?, ?, 0)"),
		key, nativeType, value,
	})
	require.NoError(t, err)

	raw, err := p.Invoke(context.Background(), "query", []json.RawMessage{
		mustJSON(t, "SELECT value FROM preferences WHERE key = ?"), key,
	})
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "world", rows[0]["value"])

	cancel()
	<-initErr
}

func TestDatabasePluginInvokeUnknownMethod(t *testing.T) {
	p, reg := newPlugin(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	initErr := startAndWaitReady(t, ctx, p, reg)

	_, err := p.Invoke(context.Background(), "drop-everything", nil)
	require.Error(t, err)

	cancel()
	<-initErr
}

func mustJSON(t *testing.T, v string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
