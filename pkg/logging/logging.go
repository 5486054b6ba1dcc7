// Package logging builds the zerolog loggers used by the controller, the
// agent and the CLI.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wiretide/wiretide/pkg/config"
)

// New returns a logger writing to w per cfg. JSON wins over HumanReadable.
func New(w io.Writer, cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	var logger zerolog.Logger
	if cfg.JSON || !cfg.HumanReadable {
		logger = zerolog.New(w)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// Install builds a stdout logger and makes it the package-global one.
func Install(cfg config.LoggingConfig, component string) zerolog.Logger {
	logger := New(os.Stdout, cfg).With().Str("component", component).Logger()
	log.Logger = logger
	zerolog.SetGlobalLevel(logger.GetLevel())
	return logger
}
