// Package logger configures the process-wide structured logger used by
// every other package in the plugin runtime.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger with the given minimum level and
// output format. pretty selects a human-readable console writer (for
// local development); otherwise output is newline-delimited JSON.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "lyserver").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

// Bus returns a logger scoped to the event bus.
func Bus() *zerolog.Logger {
	l := Log.With().Str("component", "bus").Logger()
	return &l
}

// Plugins returns a logger scoped to the plugin manager.
func Plugins() *zerolog.Logger {
	l := Log.With().Str("component", "plugins").Logger()
	return &l
}

// WASM returns a logger scoped to the WASM engine host.
func WASM() *zerolog.Logger {
	l := Log.With().Str("component", "wasm").Logger()
	return &l
}

// HTTP returns a logger scoped to the HTTP bridge.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}

// Database returns a logger scoped to the database plugin.
func Database() *zerolog.Logger {
	l := Log.With().Str("component", "database").Logger()
	return &l
}

// ForPlugin returns a logger scoped to a specific plugin id, used by the
// manager and WASM host so every line from a plugin is attributable.
func ForPlugin(id string) *zerolog.Logger {
	l := Log.With().Str("component", "plugin").Str("plugin_id", id).Logger()
	return &l
}
