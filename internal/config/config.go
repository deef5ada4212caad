// Package config parses the server's command-line configuration and
// resolves platform-dependent defaults.
package config

import (
	"flag"
	"fmt"
	"runtime"
)

// Config is the fully resolved, immutable-after-boot server configuration.
type Config struct {
	Port      uint16
	Address   string
	DataDir   string
	LogLevel  string
	LogPretty bool
}

// DefaultDataDir returns the OS-dependent default data directory.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "/Library/Application Support/lyserver"
	case "windows":
		return `C:\ProgramData\lyserver`
	default:
		return "/var/opt/lyserver"
	}
}

// Parse parses CLI flags from args (typically os.Args[1:]) into a Config.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("lyserver", flag.ContinueOnError)

	port := fs.Uint("port", 4774, "port to bind the HTTP listener on")
	address := fs.String("address", "0.0.0.0", "address to bind the HTTP listener on")
	dataDir := fs.String("data-dir", DefaultDataDir(), "directory holding plugins/ and preferences.db")
	logLevel := fs.String("log-level", "info", "minimum log level (trace, debug, info, warn, error)")
	logPretty := fs.Bool("log-pretty", false, "use human-readable console log output instead of JSON")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *port == 0 || *port > 65535 {
		return Config{}, fmt.Errorf("invalid --port %d: must be between 1 and 65535", *port)
	}

	return Config{
		Port:      uint16(*port),
		Address:   *address,
		DataDir:   *dataDir,
		LogLevel:  *logLevel,
		LogPretty: *logPretty,
	}, nil
}

// ListenAddr formats the bind address and port for net/http.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}
