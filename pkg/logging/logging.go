// Package logging configures the zerolog global logger used by every
// fuzzy component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging settings
type Config struct {
	Level   string // trace, debug, info, warn, error
	Console bool   // human-readable output instead of JSON
}

// DefaultConfig returns the default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Console: true,
	}
}

// Init sets the global level and installs the global logger writing to stderr
func Init(cfg Config) {
	InitWriter(cfg, os.Stderr)
}

// InitWriter is Init with an explicit destination
func InitWriter(cfg Config, out io.Writer) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(out).
		With().
		Timestamp().
		Str("app", "fuzzy").
		Logger()
}

// Component returns a child of the global logger tagged with a component name
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
