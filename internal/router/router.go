// Package router implements the predicate-dispatch helper described in
// SPEC_FULL.md section 4.I: plugin authors register (method, path-pattern,
// handler) tuples in insertion order and hand incoming HTTPRequest values
// to Respond, which finds the first match and either returns its response
// or converts a handler error into a 400.
//
// The types here are intentionally built only on the standard library (no
// struct tags pulling in a third-party codec) so the same source can be
// vendored unchanged into the WASM guest runtime, which has no access to
// any host-only facility — see DESIGN.md for why no third-party
// path-matching library was used.
package router

import (
	"fmt"
	"strings"
)

// HTTPRequest is the plugin-visible view of an inbound HTTP request,
// mirroring the fields carried on the http_request event (SPEC_FULL.md
// section 4.H): method, URI, protocol version, headers, and a raw body.
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

// WithStatus sets the status code and returns the response for chaining.
func (r *HTTPResponse) WithStatus(code int) *HTTPResponse {
	r.StatusCode = code
	return r
}

// WithHeader sets a header and returns the response for chaining.
func (r *HTTPResponse) WithHeader(key, value string) *HTTPResponse {
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	r.Headers[key] = value
	return r
}

// WithBody sets the raw body and returns the response for chaining.
func (r *HTTPResponse) WithBody(body []byte) *HTTPResponse {
	r.Body = body
	return r
}

// WithJSON sets the body to already-encoded JSON bytes (the caller does the
// marshalling, so this package stays codec-agnostic) and sets the
// content-type header accordingly.
func (r *HTTPResponse) WithJSON(body []byte) *HTTPResponse {
	r.Body = body
	return r.WithHeader("content-type", "application/json")
}

// ErrorBody is the conventional JSON shape for a router-generated error
// response, matching the original's {ok, error, code} envelope.
type ErrorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Route is the bound match handed to a handler: the matched pattern, the
// originally requested URI, any extracted :param values, and the request
// itself.
type Route struct {
	Method       string
	Pattern      string
	RequestedURI string
	Params       map[string]string
	Request      HTTPRequest
}

// Param returns the named path parameter and whether it was present.
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

// Handle registers a matcher. Patterns use `:name` segments for params,
// e.g. "/preferences/:key". Matchers are tried in registration order.
func (rt *Router) Handle(method, pattern string, handler Handler) {
	rt.matchers = append(rt.matchers, matcher{method: method, pattern: pattern, handler: handler})
}

// Match finds the first registered matcher whose method matches
// case-insensitively and whose pattern matches uri, returning the bound
// Route. It does not invoke the handler.
func (rt *Router) Match(request HTTPRequest, method, uri string) (Route, bool) {
	for _, m := range rt.matchers {
		if !strings.EqualFold(m.method, method) {
			continue
		}
		if params, ok := matchPattern(m.pattern, uri); ok {
			return Route{
				Method:       m.method,
				Pattern:      m.pattern,
				RequestedURI: uri,
				Params:       params,
				Request:      request,
			}, true
		}
	}
	return Route{}, false
}

// Respond iterates the registered matchers in insertion order and invokes
// the first one whose method and pattern match the request's method/URI.
// A handler error is converted into a 400 built from the request; no match
// at all yields (nil, false) so the caller can fall through to its own
// not-found handling.
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

// buildErrorResponse mirrors the original's build_error_response: a JSON
// body of {ok: false, error, code} with the matching status.
func buildErrorResponse(code int, message string) *HTTPResponse {
	body := fmt.Sprintf(`{"ok":false,"error":%q,"code":%d}`, message, code)
	return NewResponse().WithStatus(code).WithJSON([]byte(body))
}

// matchPattern splits both pattern and uri on "/" and matches segment by
// segment; a ":name" segment in pattern matches any single uri segment and
// binds it into params. Both must have the same segment count.
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

// splitPath splits a URI path on "/", dropping empty segments so that
// "/preferences" and "/preferences/" and "preferences" all match the same
// pattern.
func splitPath(p string) []string {
	// Strip any query string before splitting.
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
