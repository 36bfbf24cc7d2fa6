// Package logging builds the zerolog logger used across fanoutsinkd,
// matching ws/internal/single/monitoring/logger.go's conventions: JSON by
// default for Loki-style ingestion, a pretty console writer when Format
// is "pretty", RFC3339 timestamps, and caller info for debugging.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the logger's level and output format.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|text|pretty
}

// New creates a structured logger for the given config.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "fanoutsinkd").
		Logger()
}

// LogPanic logs a recovered panic with a full stack trace. Use in a
// deferred recover() block before re-raising or swallowing.
func LogPanic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
