// Package preferences implements the built-in preferences@lyserver.local
// plugin (SPEC_FULL.md section 4.J): a thin HTTP-facing layer over
// database@lyserver.local's Invoke("query"/"exec", ...) surface, serving
// GET/PUT/DELETE /preferences[/:key] through the shared router helper.
//
// Every response is produced the same way a WASM guest plugin would
// produce one: match an incoming http_request with the router, then emit
// http_request_handle_intent followed by http_response, both correlated
// via event.Reply so the HTTP bridge's two-phase wait is satisfied
// uniformly regardless of which plugin answers (SPEC_FULL.md section 2.3).
package preferences

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/builtin/database"
	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/kierandrewett/lyplayer-server/internal/plugin"
	"github.com/kierandrewett/lyplayer-server/internal/registry"
	"github.com/kierandrewett/lyplayer-server/internal/router"
)

// ID is this plugin's bus address and registry key.
const ID = "preferences@lyserver.local"

// NativeType is the original's LYServerPreferenceType enum, preserved
// verbatim down to the "JSON" (not "Json") spelling (SPEC_FULL.md
// section 2.3).
type NativeType string

const (
	TypeNull    NativeType = "Null"
	TypeBoolean NativeType = "Boolean"
	TypeI32     NativeType = "I32"
	TypeF32     NativeType = "F32"
	TypeU32     NativeType = "U32"
	TypeString  NativeType = "String"
	TypeJSON    NativeType = "JSON"
)

// Record is the wire shape of one preference returned by GET.
type Record struct {
	Key        string     `json:"key"`
	NativeType NativeType `json:"native_type"`
	Value      any        `json:"value"`
	IsLocked   bool       `json:"is_locked"`
}

// Plugin is the native implementation of the preferences built-in.
type Plugin struct {
	plugin.BasePlugin

	router *router.Router
}

// Metadata returns this plugin's published identity.
func Metadata() registry.Metadata {
	return registry.Metadata{
		ID:          ID,
		Name:        "Preferences",
		Description: "Typed key/value preference store layered over the database plugin",
		Version:     "1.0.0",
		Author:      "LYServer",
	}
}

// Constructor builds the manager.Constructor closure for this plugin.
func Constructor() func(shared *plugin.SharedPluginData) (plugin.Plugin, error) {
	return func(shared *plugin.SharedPluginData) (plugin.Plugin, error) {
		p := &Plugin{router: router.New()}
		p.Shared = shared
		p.registerRoutes()
		return p, nil
	}
}

func (p *Plugin) registerRoutes() {
	p.router.Handle("GET", "/preferences", p.handleList)
	p.router.Handle("GET", "/preferences/:key", p.handleGet)
	p.router.Handle("PUT", "/preferences", p.handlePut)
	p.router.Handle("DELETE", "/preferences", p.handleDelete)
}

// Init emits the plugin_init handshake and then idles until ctx is
// cancelled: this plugin does all of its work from HandleMessageEvent, so
// Init must keep running rather than returning immediately, or the
// manager's supervisor would tear it down the instant Init returned.
func (p *Plugin) Init(ctx context.Context) error {
	if err := p.Shared.EmitInit(); err != nil {
		return fmt.Errorf("emit plugin_init: %w", err)
	}
	<-ctx.Done()
	return nil
}

// Destroy has nothing of its own to release; the database connection it
// depends on belongs to database@lyserver.local.
func (p *Plugin) Destroy(ctx context.Context) error {
	return nil
}

// HandleMessageEvent answers http_request events this plugin's router
// matches, and ignores everything else.
func (p *Plugin) HandleMessageEvent(ctx context.Context, ev event.Event) error {
	if ev.Type != "http_request" {
		return nil
	}

	req, err := event.DataAs[router.HTTPRequest](ev)
	if err != nil {
		return apperr.PayloadDecodeErr(err)
	}

	resp, matched := p.router.Respond(req)
	if !matched {
		return nil
	}

	return p.reply(ev, resp)
}

// reply emits the intent-then-response pair correlated to ev's event_id,
// matching every other responder's protocol with the HTTP bridge.
func (p *Plugin) reply(ev event.Event, resp *router.HTTPResponse) error {
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

func (p *Plugin) handleList(route router.Route) (*router.HTTPResponse, error) {
	rows, err := p.queryAll()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	return router.NewResponse().WithJSON(body), nil
}

func (p *Plugin) handleGet(route router.Route) (*router.HTTPResponse, error) {
	key, _ := route.Param("key")
	rec, found, err := p.queryOne(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return errorResponse(apperr.NotFoundErr(fmt.Sprintf("preference %q", key))), nil
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return router.NewResponse().WithJSON(body), nil
}

type putBody struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (p *Plugin) handlePut(route router.Route) (*router.HTTPResponse, error) {
	var body putBody
	if err := json.Unmarshal(route.Request.Body, &body); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if body.Key == "" {
		return nil, fmt.Errorf("key is required")
	}

	_, found, err := p.queryOne(body.Key)
	if err != nil {
		return nil, err
	}
	if found {
		locked, err := p.isLocked(body.Key)
		if err != nil {
			return nil, err
		}
		if locked {
			return errorResponse(apperr.LockedErr(body.Key)), nil
		}
	}

	nativeType, valueText, err := classify(body.Value)
	if err != nil {
		return nil, err
	}

	if err := p.exec(
		`INSERT INTO preferences (key, native_type, value, is_locked) VALUES (?, ?, ?, 0)
		 ON CONFLICT(key) DO UPDATE SET native_type = excluded.native_type, value = excluded.value`,
		body.Key, string(nativeType), valueText,
	); err != nil {
		return nil, err
	}

	return router.NewResponse().WithStatus(201).WithJSON([]byte(`{"ok":true}`)), nil
}

type deleteBody struct {
	Key string `json:"key"`
}

func (p *Plugin) handleDelete(route router.Route) (*router.HTTPResponse, error) {
	var body deleteBody
	if err := json.Unmarshal(route.Request.Body, &body); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if body.Key == "" {
		return nil, fmt.Errorf("key is required")
	}

	locked, err := p.isLocked(body.Key)
	if err != nil {
		return nil, err
	}
	if locked {
		return errorResponse(apperr.LockedErr(body.Key)), nil
	}

	if err := p.exec(`DELETE FROM preferences WHERE key = ?`, body.Key); err != nil {
		return nil, err
	}
	return router.NewResponse().WithJSON([]byte(`{"ok":true}`)), nil
}

// classify infers a preference's native_type from a decoded JSON value and
// returns the text form that will be stored in the value column. Integer
// JSON numbers default to I32 (there is no wire distinction between I32
// and U32 in a plain JSON PUT body).
func classify(value any) (NativeType, string, error) {
	switch v := value.(type) {
	case nil:
		return TypeNull, "", nil
	case bool:
		if v {
			return TypeBoolean, "true", nil
		}
		return TypeBoolean, "false", nil
	case float64:
		if v == float64(int64(v)) {
			return TypeI32, fmt.Sprintf("%d", int64(v)), nil
		}
		return TypeF32, fmt.Sprintf("%g", v), nil
	case string:
		return TypeString, v, nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", "", err
		}
		return TypeJSON, string(encoded), nil
	}
}

// decodeValue is classify's inverse, used when reading a stored row back.
func decodeValue(nativeType NativeType, text string) (any, error) {
	switch nativeType {
	case TypeNull:
		return nil, nil
	case TypeBoolean:
		return text == "true", nil
	case TypeI32, TypeU32:
		var n int64
		_, err := fmt.Sscanf(text, "%d", &n)
		return n, err
	case TypeF32:
		var f float64
		_, err := fmt.Sscanf(text, "%g", &f)
		return f, err
	case TypeString:
		return text, nil
	case TypeJSON:
		var v any
		err := json.Unmarshal([]byte(text), &v)
		return v, err
	default:
		return text, nil
	}
}

func errorResponse(err *apperr.AppError) *router.HTTPResponse {
	body, _ := json.Marshal(err.ToResponse())
	return router.NewResponse().WithStatus(err.StatusCode()).WithJSON(body)
}

// --- database@lyserver.local plumbing -------------------------------------

func (p *Plugin) databasePlugin() (plugin.Plugin, error) {
	instance, ok := p.Shared.Registry.GetPluginByID(database.ID)
	if !ok {
		return nil, apperr.New(apperr.PluginInvoke, "database@lyserver.local is not loaded")
	}
	dbPlugin, ok := instance.(plugin.Plugin)
	if !ok {
		return nil, apperr.New(apperr.PluginInvoke, "database@lyserver.local does not implement the plugin contract")
	}
	return dbPlugin, nil
}

func (p *Plugin) invoke(method string, args ...any) (json.RawMessage, error) {
	db, err := p.databasePlugin()
	if err != nil {
		return nil, err
	}

	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		encoded, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		raw[i] = encoded
	}

	return db.Invoke(context.Background(), method, raw)
}

func (p *Plugin) exec(query string, args ...any) error {
	_, err := p.invoke("exec", append([]any{query}, args...)...)
	return err
}

type preferenceRow struct {
	Key        string `json:"key"`
	NativeType string `json:"native_type"`
	Value      string `json:"value"`
	IsLocked   int    `json:"is_locked"`
}

func (p *Plugin) queryAll() ([]Record, error) {
	raw, err := p.invoke("query", "SELECT key, native_type, value, is_locked FROM preferences ORDER BY key")
	if err != nil {
		return nil, err
	}
	var rows []preferenceRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *Plugin) queryOne(key string) (Record, bool, error) {
	raw, err := p.invoke("query", "SELECT key, native_type, value, is_locked FROM preferences WHERE key = ?", key)
	if err != nil {
		return Record{}, false, err
	}
	var rows []preferenceRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return Record{}, false, err
	}
	if len(rows) == 0 {
		return Record{}, false, nil
	}
	rec, err := rowToRecord(rows[0])
	return rec, true, err
}

func (p *Plugin) isLocked(key string) (bool, error) {
	raw, err := p.invoke("query", "SELECT is_locked FROM preferences WHERE key = ?", key)
	if err != nil {
		return false, err
	}
	var rows []struct {
		IsLocked int `json:"is_locked"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil || len(rows) == 0 {
		return false, err
	}
	return rows[0].IsLocked != 0, nil
}

func rowToRecord(row preferenceRow) (Record, error) {
	value, err := decodeValue(NativeType(row.NativeType), row.Value)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Key:        row.Key,
		NativeType: NativeType(row.NativeType),
		Value:      value,
		IsLocked:   row.IsLocked != 0,
	}, nil
}
