package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyPreservesEventIDAndSwapsTarget(t *testing.T) {
	original, err := NewEvent("http_request", AllTarget(), PluginTarget("http@lyserver.local"), "body")
	require.NoError(t, err)

	reply, err := Reply(original, "http_response", PluginTarget("hello@lyserver.local"), "reply body")
	require.NoError(t, err)

	assert.Equal(t, original.EventID, reply.EventID)
	assert.True(t, reply.Target.Equal(original.Sender))
	assert.Equal(t, "http_response", reply.Type)
}

func TestRoundTripAnySerializableValue(t *testing.T) {
	type payload struct {
		Key   string `cbor:"key"`
		Value int    `cbor:"value"`
	}

	in := payload{Key: "x", Value: 42}
	ev, err := NewEvent("t", AllTarget(), PluginTarget("a"), in)
	require.NoError(t, err)

	out, err := DataAs[payload](ev)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTargetMatching(t *testing.T) {
	all := AllTarget()
	assert.True(t, all.Matches("anything"))

	direct := PluginTarget("database@lyserver.local")
	assert.True(t, direct.Matches("database@lyserver.local"))
	assert.False(t, direct.Matches("other@lyserver.local"))
}

func TestTargetTextRoundTrip(t *testing.T) {
	all := AllTarget()
	text, err := all.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "all", string(text))

	var decoded Target
	require.NoError(t, decoded.UnmarshalText(text))
	assert.True(t, decoded.IsAll())

	direct := PluginTarget("hello@lyserver.local")
	text, err = direct.MarshalText()
	require.NoError(t, err)

	var decodedDirect Target
	require.NoError(t, decodedDirect.UnmarshalText(text))
	id, ok := decodedDirect.PluginID()
	require.True(t, ok)
	assert.Equal(t, "hello@lyserver.local", id)
}

func TestEncodeDecodeEventPreservesSenderAndTarget(t *testing.T) {
	original, err := NewEvent("http_request", AllTarget(), PluginTarget("http@lyserver.local"), "body")
	require.NoError(t, err)

	wire, err := EncodeEvent(original)
	require.NoError(t, err)

	decoded, err := DecodeEvent(wire)
	require.NoError(t, err)

	assert.Equal(t, original.EventID, decoded.EventID)
	assert.Equal(t, original.Type, decoded.Type)
	assert.True(t, decoded.Target.IsAll())
	id, ok := decoded.Sender.PluginID()
	require.True(t, ok, "sender must decode as a directed target, not All")
	assert.Equal(t, "http@lyserver.local", id)

	out, err := DataAs[string](decoded)
	require.NoError(t, err)
	assert.Equal(t, "body", out)
}

func TestEncodeDecodeEventPreservesDirectedTarget(t *testing.T) {
	original, err := Reply(
		Event{EventID: "abc", Sender: PluginTarget("http@lyserver.local")},
		"http_response",
		PluginTarget("hello@lyserver.local"),
		nil,
	)
	require.NoError(t, err)

	wire, err := EncodeEvent(original)
	require.NoError(t, err)

	decoded, err := DecodeEvent(wire)
	require.NoError(t, err)

	assert.False(t, decoded.Target.IsAll())
	id, ok := decoded.Target.PluginID()
	require.True(t, ok)
	assert.Equal(t, "http@lyserver.local", id)

	senderID, ok := decoded.Sender.PluginID()
	require.True(t, ok)
	assert.Equal(t, "hello@lyserver.local", senderID)
}

func TestEventIDsDoNotCollide(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		ev, err := NewEvent("t", AllTarget(), PluginTarget("a"), i)
		require.NoError(t, err)
		_, exists := seen[ev.EventID]
		require.False(t, exists, "event_id collision")
		seen[ev.EventID] = struct{}{}
	}
}

func TestDataAsFailsOnInvalidEncoding(t *testing.T) {
	ev := Event{Data: []byte{0xff, 0xff, 0xff}}
	_, err := DataAs[string](ev)
	assert.Error(t, err)
}
