// Package logsetup constructs the zerolog.Logger used throughout pgcopydb.
package logsetup

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options controls logger construction.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console, json
}

// New builds a zerolog.Logger writing to stderr (console) or stdout (json).
func New(opts Options) zerolog.Logger {
	var out io.Writer
	switch opts.Format {
	case "json":
		out = os.Stdout
	default:
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// Component returns a child logger tagged with the given component name, the
// convention used across every subsystem package in this repository.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
