// Package router is the guest-side twin of internal/router: the same
// predicate-dispatch helper, vendored here because guest code cannot
// import anything from the host module. Keep the two in sync; neither
// pulls in anything beyond the standard library so that is a copy, not a
// binding.
package router

import (
	"fmt"
	"strings"
)

// HTTPRequest is the plugin-visible view of an inbound HTTP request.
type HTTPRequest struct {
	Method  string            `cbor:"method"`
	URI     string            `cbor:"uri"`
	Version string            `cbor:"version"`
	Headers map[string]string `cbor:"headers"`
	Body    []byte            `cbor:"body"`
}

// HTTPResponse is the plugin-authored reply translated back into the
// external HTTP response by the bridge.
type HTTPResponse struct {
	StatusCode int               `cbor:"status_code"`
	Headers    map[string]string `cbor:"headers"`
	Body       []byte            `cbor:"body"`
}

// NewResponse builds a 200 response with no headers or body set yet.
func NewResponse() *HTTPResponse {
	return &HTTPResponse{StatusCode: 200, Headers: map[string]string{}}
}

func (r *HTTPResponse) WithStatus(code int) *HTTPResponse {
	r.StatusCode = code
	return r
}

func (r *HTTPResponse) WithHeader(key, value string) *HTTPResponse {
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	r.Headers[key] = value
	return r
}

func (r *HTTPResponse) WithBody(body []byte) *HTTPResponse {
	r.Body = body
	return r
}

func (r *HTTPResponse) WithJSON(body []byte) *HTTPResponse {
	r.Body = body
	return r.WithHeader("content-type", "application/json")
}

// Route is the bound match handed to a handler.
type Route struct {
	Method       string
	Pattern      string
	RequestedURI string
	Params       map[string]string
	Request      HTTPRequest
}

func (route Route) Param(name string) (string, bool) {
	v, ok := route.Params[name]
	return v, ok
}

// Handler answers a matched route with a response, or an error which the
// router converts into a 400.
type Handler func(route Route) (*HTTPResponse, error)

type matcher struct {
	method  string
	pattern string
	handler Handler
}

// Router is an ordered list of (method, pattern, handler) matchers.
type Router struct {
	matchers []matcher
}

// New constructs an empty Router.
func New() *Router {
	return &Router{}
}

// Handle registers a matcher tried in registration order.
func (rt *Router) Handle(method, pattern string, handler Handler) {
	rt.matchers = append(rt.matchers, matcher{method: method, pattern: pattern, handler: handler})
}

// Respond finds the first matcher whose method and pattern match the
// request and invokes it, converting a handler error into a 400.
func (rt *Router) Respond(request HTTPRequest) (*HTTPResponse, bool) {
	for _, m := range rt.matchers {
		if !strings.EqualFold(m.method, request.Method) {
			continue
		}
		params, ok := matchPattern(m.pattern, request.URI)
		if !ok {
			continue
		}

		route := Route{
			Method:       m.method,
			Pattern:      m.pattern,
			RequestedURI: request.URI,
			Params:       params,
			Request:      request,
		}

		resp, err := m.handler(route)
		if err != nil {
			return buildErrorResponse(400, err.Error()), true
		}
		return resp, true
	}
	return nil, false
}

func buildErrorResponse(code int, message string) *HTTPResponse {
	body := fmt.Sprintf(`{"ok":false,"error":%q,"code":%d}`, message, code)
	return NewResponse().WithStatus(code).WithJSON([]byte(body))
}

func matchPattern(pattern, uri string) (map[string]string, bool) {
	patternSegs := splitPath(pattern)
	uriSegs := splitPath(uri)

	if len(patternSegs) != len(uriSegs) {
		return nil, false
	}

	params := map[string]string{}
	for i, seg := range patternSegs {
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = uriSegs[i]
			continue
		}
		if seg != uriSegs[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(p string) []string {
	if idx := strings.IndexByte(p, '?'); idx >= 0 {
		p = p[:idx]
	}
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
