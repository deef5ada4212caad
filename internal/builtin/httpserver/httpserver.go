// Package httpserver implements the built-in http@lyserver.local plugin
// (SPEC_FULL.md sections 4.H and 4.J): it owns the external gin listener,
// mounts the httpbridge for every route no built-in answers directly, and
// answers its own three fast-path routes (/, /status, /favicon.ico) the
// same way any other responder would — by matching the broadcast
// http_request event with the router helper and replying with the
// intent-then-response pair (SPEC_FULL.md section 2.3).
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/kierandrewett/lyplayer-server/internal/httpbridge"
	"github.com/kierandrewett/lyplayer-server/internal/logger"
	"github.com/kierandrewett/lyplayer-server/internal/plugin"
	"github.com/kierandrewett/lyplayer-server/internal/registry"
	"github.com/kierandrewett/lyplayer-server/internal/router"
)

// ID is this plugin's bus address and registry key.
const ID = "http@lyserver.local"

const shutdownGrace = 5 * time.Second

// Plugin is the native implementation of the HTTP built-in.
type Plugin struct {
	plugin.BasePlugin

	listenAddr string
	reg        *registry.Registry
	router     *router.Router
	srv        *http.Server
}

// Metadata returns this plugin's published identity.
func Metadata() registry.Metadata {
	return registry.Metadata{
		ID:          ID,
		Name:        "HTTP Server",
		Description: "External HTTP listener and event-bus bridge",
		Version:     "1.0.0",
		Author:      "LYServer",
	}
}

// Constructor builds the manager.Constructor closure for this plugin,
// bound to the address the listener binds to.
func Constructor(listenAddr string) func(shared *plugin.SharedPluginData) (plugin.Plugin, error) {
	return func(shared *plugin.SharedPluginData) (plugin.Plugin, error) {
		p := &Plugin{listenAddr: listenAddr, reg: shared.Registry, router: router.New()}
		p.Shared = shared
		p.registerRoutes()
		return p, nil
	}
}

func (p *Plugin) registerRoutes() {
	p.router.Handle("GET", "/", p.handleWelcome)
	p.router.Handle("GET", "/status", p.handleStatus)
	p.router.Handle("GET", "/favicon.ico", p.handleFavicon)
}

// Init binds the listen address, emits the plugin_init handshake, serves
// the gin engine in a goroutine, and blocks until ctx is cancelled, at
// which point it shuts the listener down gracefully and returns. A bind
// failure returns before plugin_init is emitted.
func (p *Plugin) Init(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", p.listenAddr, err)
	}
	if err := p.Shared.EmitInit(); err != nil {
		ln.Close()
		return fmt.Errorf("emit plugin_init: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.NoRoute(httpbridge.New(p.reg).Handler())

	p.srv = &http.Server{
		Addr:              p.listenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log := logger.HTTP()
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", p.listenAddr).Msg("http listener starting")
		if err := p.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := p.srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http listener did not shut down cleanly")
		}
		<-errCh
		return nil
	}
}

// Destroy is a no-op: Init already shuts the listener down when ctx ends.
func (p *Plugin) Destroy(ctx context.Context) error {
	return nil
}

// HandleMessageEvent answers http_request events this plugin's own
// fast-path router matches (/, /status, /favicon.ico), ignoring the rest
// so other plugins (and the bridge's unmatched fallback) get a chance.
func (p *Plugin) HandleMessageEvent(ctx context.Context, ev event.Event) error {
	if ev.Type != "http_request" {
		return nil
	}

	req, err := event.DataAs[router.HTTPRequest](ev)
	if err != nil {
		return nil
	}

	resp, matched := p.router.Respond(req)
	if !matched {
		return nil
	}

	self := event.PluginTarget(ID)

	intent, err := event.Reply(ev, "http_request_handle_intent", self, nil)
	if err != nil {
		return err
	}
	if err := p.Shared.Emit(intent); err != nil {
		return err
	}

	response, err := event.Reply(ev, "http_response", self, resp)
	if err != nil {
		return err
	}
	return p.Shared.Emit(response)
}

func (p *Plugin) handleWelcome(route router.Route) (*router.HTTPResponse, error) {
	return router.NewResponse().WithHeader("content-type", "text/plain").
		WithBody([]byte("Welcome to LYServer.")), nil
}

func (p *Plugin) handleFavicon(route router.Route) (*router.HTTPResponse, error) {
	return router.NewResponse().WithStatus(http.StatusNotFound).WithBody(nil), nil
}

// statusPayload is the JSON body served by GET /status.
type statusPayload struct {
	DataDir       string   `json:"data_dir"`
	Version       string   `json:"version"`
	UptimeSeconds float64  `json:"uptime"`
	StartTime     string   `json:"start_time"`
	LoadedPlugins []string `json:"loaded_plugins"`
	PID           int      `json:"pid"`
	UsedMemory    uint64   `json:"used_memory"`
}

// handleStatus reports data_dir, version, uptime, start_time, the loaded
// plugin ids, the process pid, and used_memory. used_memory is read from
// runtime.MemStats.Sys rather than a third-party sysinfo crate — the spec
// names the sysinfo probe itself out of scope (SPEC_FULL.md section 2.3).
func (p *Plugin) handleStatus(route router.Route) (*router.HTTPResponse, error) {
	loaded := p.reg.ListPlugins()
	ids := make([]string, len(loaded))
	for i, lp := range loaded {
		ids[i] = lp.Metadata.ID
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	payload := statusPayload{
		DataDir:       p.reg.DataDir,
		Version:       p.reg.Version,
		UptimeSeconds: time.Since(p.reg.StartTime).Seconds(),
		StartTime:     p.reg.StartTime.UTC().Format(time.RFC3339),
		LoadedPlugins: ids,
		PID:           os.Getpid(),
		UsedMemory:    mem.Sys,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return router.NewResponse().WithJSON(body), nil
}
