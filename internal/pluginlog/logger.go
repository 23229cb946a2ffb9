// Package pluginlog provides the process-wide structured logger for the
// plugin orchestration runtime.
package pluginlog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured by Initialize. It
// defaults to zerolog's package logger so code exercised before (or
// without) Initialize still logs somewhere sensible.
var Log = log.Logger

// Initialize sets up the global logger. Pretty output is meant for local
// development; JSON output is meant for anything that ships logs onward.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "vcp-plugin-runtime").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// WithComponent returns a child logger tagged with the given component name.
// Every package in this runtime logs through a component-scoped logger
// rather than the bare global instance, so log lines are filterable by
// component (manifest, stdioexec, staticrefresh, preprocess, distributed,
// dispatch, adminhttp) without grepping message text.
func WithComponent(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}
