// Package database implements the built-in database@lyserver.local plugin
// (SPEC_FULL.md section 4.J): an embedded SQLite store opened at
// <data_dir>/preferences.db, migrated on load, probed for liveness every
// 60 seconds, and exposed to other plugins only through Invoke ("query" and "exec")
// — there is no direct Go API any other plugin can import, matching the
// spec's "thin consumer of the core" framing for storage.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/logger"
	"github.com/kierandrewett/lyplayer-server/internal/plugin"
	"github.com/kierandrewett/lyplayer-server/internal/registry"
)

// ID is this plugin's bus address and registry key.
const ID = "database@lyserver.local"

const probeInterval = 60 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS preferences (
	key         TEXT PRIMARY KEY,
	native_type TEXT NOT NULL,
	value       TEXT,
	is_locked   INTEGER NOT NULL DEFAULT 0
);
`

// serverVersionKey is stamped locked on the first migration only (see
// stampServerVersion), after the original's set_server_version_preference().
const serverVersionKey = "__server_version"

// Plugin is the native implementation of the database built-in.
type Plugin struct {
	plugin.BasePlugin

	dataDir string
	version string
	db      *sql.DB
}

// Metadata returns this plugin's published identity.
func Metadata() registry.Metadata {
	return registry.Metadata{
		ID:          ID,
		Name:        "Database",
		Description: "Embedded relational store backing preferences and plugin queries",
		Version:     "1.0.0",
		Author:      "LYServer",
	}
}

// Constructor builds the manager.Constructor closure for this plugin,
// bound to the server's data directory and reported version.
func Constructor(dataDir, version string) func(shared *plugin.SharedPluginData) (plugin.Plugin, error) {
	return func(shared *plugin.SharedPluginData) (plugin.Plugin, error) {
		p := &Plugin{dataDir: dataDir, version: version}
		p.Shared = shared
		return p, nil
	}
}

// Init opens the database, migrates its schema, emits the plugin_init
// handshake, and then runs the 60s liveness probe loop until ctx ends.
func (p *Plugin) Init(ctx context.Context) error {
	path := fmt.Sprintf("file:%s/preferences.db?_busy_timeout=5000&_journal_mode=WAL", p.dataDir)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open preferences.db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer at a time, avoids SQLITE_BUSY under concurrent plugin invokes.
	p.db = db

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if err := p.stampServerVersion(ctx); err != nil {
		return fmt.Errorf("stamp server version: %w", err)
	}

	if err := p.Shared.EmitInit(); err != nil {
		return fmt.Errorf("emit plugin_init: %w", err)
	}

	log := logger.Database()
	log.Info().Str("path", p.dataDir).Msg("database plugin ready")

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := db.ExecContext(ctx, "SELECT 1"); err != nil {
				log.Warn().Err(err).Msg("liveness probe failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// stampServerVersion inserts a locked __server_version preference on first
// migration only; subsequent boots leave an existing value untouched.
func (p *Plugin) stampServerVersion(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO preferences (key, native_type, value, is_locked) VALUES (?, 'String', ?, 1)`,
		serverVersionKey, fmt.Sprintf("%q", p.version))
	return err
}

// Destroy closes the database connection.
func (p *Plugin) Destroy(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Invoke exposes two methods, "query" and "exec". For both, args[0] must
// decode to a SQL string and every subsequent arg is a positional bind
// parameter decoded as a plain Go value. "query" returns rows as a JSON
// array of objects keyed by column name; "exec" returns the affected-row
// count and last insert id.
func (p *Plugin) Invoke(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "query":
		return p.invokeQuery(ctx, args)
	case "exec":
		return p.invokeExec(ctx, args)
	default:
		return nil, apperr.UnknownMethodErr(method)
	}
}

func (p *Plugin) invokeQuery(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
	query, params, err := decodeQueryArgs(args)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, apperr.Wrap(apperr.PluginInvoke, "query failed", err)
	}
	defer rows.Close()

	out, err := rowsToJSON(rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.PluginInvoke, "failed to marshal rows", err)
	}
	return out, nil
}

func (p *Plugin) invokeExec(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
	query, params, err := decodeQueryArgs(args)
	if err != nil {
		return nil, err
	}

	result, err := p.db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, apperr.Wrap(apperr.PluginInvoke, "exec failed", err)
	}

	affected, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()
	return json.Marshal(map[string]int64{"rows_affected": affected, "last_insert_id": lastID})
}

// decodeQueryArgs splits the Invoke args into a SQL string and its bind
// parameters, decoding every parameter from JSON into a plain Go value
// database/sql can bind directly.
func decodeQueryArgs(args []json.RawMessage) (string, []any, error) {
	if len(args) == 0 {
		return "", nil, apperr.New(apperr.PluginInvoke, "query requires at least a SQL string argument")
	}

	var query string
	if err := json.Unmarshal(args[0], &query); err != nil {
		return "", nil, apperr.Wrap(apperr.PayloadDecode, "first query argument must be a string", err)
	}

	params := make([]any, 0, len(args)-1)
	for _, raw := range args[1:] {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", nil, apperr.Wrap(apperr.PayloadDecode, "failed to decode query parameter", err)
		}
		params = append(params, v)
	}
	return query, params, nil
}

// rowsToJSON drains rows into a JSON array of {column: value} objects.
func rowsToJSON(rows *sql.Rows) (json.RawMessage, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		scanDest := make([]any, len(cols))
		scanPtrs := make([]any, len(cols))
		for i := range scanDest {
			scanPtrs[i] = &scanDest[i]
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, err
		}

		record := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := scanDest[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = scanDest[i]
			}
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}
