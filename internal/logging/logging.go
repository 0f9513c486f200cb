// Package logging builds the process-wide zerolog logger. Components get
// children via logger.With().Str("component", ...).
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log output encoding.
type Format string

const (
	FormatJSON   Format = "json"   // machine-readable, one object per line
	FormatPretty Format = "pretty" // human-readable console output for local dev
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format Format
}

// New creates the root structured logger. Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "linkbandd").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack trace. Use as the
// first deferred call in long-lived goroutines so a bug in one component
// cannot take the whole daemon down silently.
//
//	defer logging.RecoverPanic(logger, "writePump")
func RecoverPanic(logger zerolog.Logger, scope string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("scope", scope).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("Recovered panic")
	}
}
