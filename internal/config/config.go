// Package config holds the core's CLI surface (§6): a typed
// Config struct populated from flags by cmd/ironswarm, plus the
// derived values (bind host, exit codes) the core needs at startup.
package config

import (
	"fmt"
	"net"

	"github.com/spf13/pflag"
)

// DefaultPort is -p's default, 42042.
const DefaultPort = 42042

// Exit codes per §6: 0 normal; 1 I/O/config; 2 bind/port conflict;
// 130 signal.
const (
	ExitOK           = 0
	ExitConfig       = 1
	ExitBindConflict = 2
	ExitSignal       = 130
)

// Config is the parsed CLI surface.
type Config struct {
	Bootstrap       []string
	BindMode        string
	Port            int
	ScenarioSpec    string
	StatsPrint      bool
	LogFile         string
	MetricsSnapshot string
	WebPort         int
}

// BindFlags registers the CLI surface onto fs, populating cfg.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringSliceVarP(&cfg.Bootstrap, "bootstrap", "b", nil,
		`bootstrap address(es); comma-separated, may repeat`)
	fs.StringVarP(&cfg.BindMode, "bind", "H", "local",
		`bind mode: "local" | "public" | explicit IP`)
	fs.IntVarP(&cfg.Port, "port", "p", DefaultPort, "port to bind")
	fs.StringVarP(&cfg.ScenarioSpec, "journey", "j", "", `scenario spec "module:attr"`)
	fs.BoolVarP(&cfg.StatsPrint, "stats", "s", false, "enable periodic stats print")
	fs.StringVar(&cfg.LogFile, "log-file", "", "path to write logs to, instead of stderr")
	fs.StringVar(&cfg.MetricsSnapshot, "metrics-snapshot", "",
		"on exit, write a local metrics Snapshot to this path")
	fs.IntVar(&cfg.WebPort, "web-port", 0, "enable the external dashboard listener on this port")
}

// ResolveBindHost turns BindMode into a concrete address to bind to.
func (c *Config) ResolveBindHost() (string, error) {
	switch c.BindMode {
	case "", "local":
		return "127.0.0.1", nil
	case "public":
		return "0.0.0.0", nil
	default:
		if net.ParseIP(c.BindMode) == nil {
			return "", fmt.Errorf("config: invalid bind address %q", c.BindMode)
		}
		return c.BindMode, nil
	}
}

// Validate rejects obviously-broken configuration before the core
// attempts to bind anything (an ExitConfig condition).
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.WebPort < 0 || c.WebPort > 65535 {
		return fmt.Errorf("config: invalid web-port %d", c.WebPort)
	}
	switch c.BindMode {
	case "", "local", "public":
	default:
		if net.ParseIP(c.BindMode) == nil {
			return fmt.Errorf("config: invalid bind mode %q", c.BindMode)
		}
	}
	return nil
}
