package httpbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kierandrewett/lyplayer-server/internal/bus"
	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/kierandrewett/lyplayer-server/internal/registry"
	"github.com/kierandrewett/lyplayer-server/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*registry.Registry, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New("127.0.0.1", t.TempDir(), "0.0.0-test", bus.Capacity)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.RunDispatcher(ctx)

	r := gin.New()
	b := New(reg)
	r.NoRoute(b.Handler())
	return reg, r
}

// respondAsPlugin subscribes to the bus, waits for an http_request, and
// replies with the given status/body as pluginID, emitting the intent
// event first per the uniform responder contract.
func respondAsPlugin(t *testing.T, reg *registry.Registry, pluginID string, status int, body string) {
	t.Helper()
	sub := reg.Bus.Subscribe()
	go func() {
		defer reg.Bus.Unsubscribe(sub)
		for ev := range sub.Events() {
			if ev.Type != "http_request" {
				continue
			}
			intent, err := event.Reply(ev, "http_request_handle_intent", event.PluginTarget(pluginID), nil)
			require.NoError(t, err)
			require.NoError(t, reg.DispatchEvent(intent))

			resp := router.HTTPResponse{StatusCode: status, Headers: map[string]string{}, Body: []byte(body)}
			respEv, err := event.Reply(ev, "http_response", event.PluginTarget(pluginID), resp)
			require.NoError(t, err)
			require.NoError(t, reg.DispatchEvent(respEv))
			return
		}
	}()
}

func TestBridgeRoundTripsThroughSingleResponder(t *testing.T) {
	reg, srv := newTestServer(t)
	respondAsPlugin(t, reg, "echo@lyserver.local", http.StatusOK, "hello from plugin")

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from plugin", rec.Body.String())
	assert.Equal(t, "echo@lyserver.local", rec.Header().Get("x-lyserver-plugin-id"))
}

func TestBridgeReturns500WhenNoPluginClaimsIntent(t *testing.T) {
	_, srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/unanswered", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	case <-time.After(7 * time.Second):
		t.Fatal("bridge did not time out the missing intent in time")
	}
}

func TestBridgeIgnoresResponseFromPluginThatDidNotWinIntent(t *testing.T) {
	reg, srv := newTestServer(t)

	sub := reg.Bus.Subscribe()
	go func() {
		defer reg.Bus.Unsubscribe(sub)
		for ev := range sub.Events() {
			if ev.Type != "http_request" {
				continue
			}
			// Plugin A wins the intent.
			intentA, _ := event.Reply(ev, "http_request_handle_intent", event.PluginTarget("a@lyserver.local"), nil)
			_ = reg.DispatchEvent(intentA)

			// Plugin B races in a response anyway — must be ignored.
			respB, _ := event.Reply(ev, "http_response", event.PluginTarget("b@lyserver.local"),
				router.HTTPResponse{StatusCode: 200, Body: []byte("from b")})
			_ = reg.DispatchEvent(respB)

			respA, _ := event.Reply(ev, "http_response", event.PluginTarget("a@lyserver.local"),
				router.HTTPResponse{StatusCode: 200, Body: []byte("from a")})
			_ = reg.DispatchEvent(respA)
			return
		}
	}()

	req := httptest.NewRequest(http.MethodGet, "/only-a", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, "from a", rec.Body.String())
}
