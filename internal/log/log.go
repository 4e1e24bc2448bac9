// Package log builds zerolog loggers for the daemon. Unlike a package
// global, every caller gets an explicit zerolog.Logger value built from
// a Config at startup and threaded down through daemonctx; no component
// here reads a package-level logger variable. New does set zerolog's
// global level.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the base logger built by New.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// New builds the base logger for the process. Component loggers are
// derived from it with WithComponent, never constructed independently.
func New(cfg Config) zerolog.Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component
// name. Callers hold the base logger as a field, not a global.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
