// Package config declares the CLI surface: commands, global flags, and
// the config-file binding kong layers file values under.
package config

import (
	"github.com/Alia5/XHIVE/internal/cmd"
)

// LogConfig holds the global logging flags.
type LogConfig struct {
	Level   string `help:"Log level (trace, debug, info, warn, error)" enum:"trace,debug,info,warn,error" default:"info" env:"XHIVE_LOG_LEVEL"`
	File    string `help:"Log file path (logs to stdout/stderr when empty)" env:"XHIVE_LOG_FILE"`
	RawFile string `help:"Raw transfer payload dump file" env:"XHIVE_LOG_RAW_FILE"`
}

// CLI is the root kong command tree.
type CLI struct {
	Config string    `help:"Path to a config file (JSON, YAML or TOML)" env:"XHIVE_CONFIG"`
	Log    LogConfig `embed:"" prefix:"log."`

	Soak      cmd.Soak          `cmd:"" help:"Run the engine against the simulated controller"`
	ConfigGen cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration file utilities"`
}
