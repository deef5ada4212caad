// Package httpbridge adapts the external gin HTTP listener into the
// internal event model (SPEC_FULL.md section 4.H): every unmatched
// request becomes an http_request event, and the bridge waits in two
// phases — first for a plugin to claim the request with
// http_request_handle_intent, then for that same correlation id's
// http_response — before translating the reply back into a real HTTP
// response.
package httpbridge

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/kierandrewett/lyplayer-server/internal/logger"
	"github.com/kierandrewett/lyplayer-server/internal/registry"
	"github.com/kierandrewett/lyplayer-server/internal/router"
)

const (
	senderID = "http@lyserver.local"

	intentTimeout   = 5 * time.Second
	responseTimeout = 60 * time.Second
)

// Bridge turns unmatched gin requests into http_request events and waits
// for a plugin's response.
type Bridge struct {
	registry *registry.Registry
}

// New constructs a Bridge bound to reg for dispatch and waiting.
func New(reg *registry.Registry) *Bridge {
	return &Bridge{registry: reg}
}

// Handler returns the gin middleware that answers every request reaching
// it by round-tripping through the event bus. Mount it last, after every
// built-in fast-path route, so those routes never pay the two-phase wait.
func (b *Bridge) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := buildHTTPRequest(c.Request)
		if err != nil {
			writeInternalError(c, err)
			return
		}

		ev, err := event.NewEvent("http_request", event.AllTarget(), event.PluginTarget(senderID), req)
		if err != nil {
			writeInternalError(c, err)
			return
		}

		intentWaiter := b.registry.NewWaiter()
		responseWaiter := b.registry.NewWaiter()

		if err := b.registry.DispatchEvent(ev); err != nil {
			writeInternalError(c, err)
			return
		}

		intent, ok := intentWaiter.Wait(c.Request.Context(), func(candidate event.Event) bool {
			return candidate.Type == "http_request_handle_intent" && candidate.EventID == ev.EventID
		}, intentTimeout)
		if !ok {
			writeInternalError(c, apperr.HandlerTimeoutErr("http_request_handle_intent"))
			return
		}

		// Only the plugin that won the intent may supply the response —
		// a second plugin racing in with the same event_id must not
		// override the winner's reply.
		respEv, ok := responseWaiter.Wait(c.Request.Context(), func(candidate event.Event) bool {
			return candidate.Type == "http_response" &&
				candidate.EventID == ev.EventID &&
				candidate.Sender.Equal(intent.Sender)
		}, responseTimeout)
		if !ok {
			writeInternalError(c, apperr.HandlerTimeoutErr("http_response"))
			return
		}

		resp, err := event.DataAs[router.HTTPResponse](respEv)
		if err != nil {
			writeInternalError(c, apperr.PayloadDecodeErr(err))
			return
		}

		writeResponse(c, resp, intent.Sender, b.registry)
	}
}

// buildHTTPRequest copies everything out of r needed to reconstruct it on
// the other side of the event bus: method, URI, protocol version, headers
// (flattened to one value per key, matching the wire shape), and the full
// body.
func buildHTTPRequest(r *http.Request) (router.HTTPRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return router.HTTPRequest{}, err
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	return router.HTTPRequest{
		Method:  r.Method,
		URI:     r.URL.RequestURI(),
		Version: r.Proto,
		Headers: headers,
		Body:    body,
	}, nil
}

// writeResponse translates a plugin-authored HTTPResponse back onto the
// real connection, stamping the responding plugin's identity headers.
func writeResponse(c *gin.Context, resp router.HTTPResponse, replier event.Target, reg *registry.Registry) {
	for k, v := range resp.Headers {
		c.Header(k, v)
	}

	if id, ok := replier.PluginID(); ok {
		c.Header("x-lyserver-plugin-id", id)
		if meta, found := reg.GetPluginMetadataByID(id); found {
			c.Header("x-lyserver-plugin-name", meta.Name)
			c.Header("x-lyserver-plugin-version", meta.Version)
		}
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.Data(status, c.Writer.Header().Get("content-type"), resp.Body)
}

func writeInternalError(c *gin.Context, err error) {
	logger.HTTP().Warn().Err(err).Str("path", c.Request.URL.Path).Msg("http bridge failed to produce a response")
	status, body := apperr.ToHTTPResponse(err)
	c.JSON(status, body)
}
