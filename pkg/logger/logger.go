// Package logger constructs the structured logger used across taovault.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // Enable pretty console output
}

// New builds the root zerolog logger. Level strings come straight from
// LOG_LEVEL; anything unparseable falls back to info rather than
// failing startup. Pretty mode swaps the JSON stream for a console
// writer during local development.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).With().Timestamp().Caller().Logger()
}

// SetGlobalLogger routes the zerolog package-level logger through l, so
// stray log.Info() calls land in the same stream as everything else.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
