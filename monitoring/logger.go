// Package monitoring carries the ambient observability stack: the zerolog
// builder, Prometheus collectors, and system stats for the health endpoint.
package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig selects level and output format for a process logger.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json (aggregation) or pretty (local development).
	Format string
	// Service tags every line; defaults to "tether".
	Service string
}

// NewLogger builds the process logger. Library components receive loggers
// by injection and default to zerolog.Nop(); this constructor is for cmd
// binaries.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	service := cfg.Service
	if service == "" {
		service = "tether"
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
