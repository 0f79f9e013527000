package app

import (
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushlab/pushlab/internal/config"
)

// NewLogger builds the process logger. Console output is meant for a
// terminal, JSON for log collectors.
func NewLogger(w io.Writer, format string, level zerolog.Level, service, version string) zerolog.Logger {
	out := w
	if format != config.LogFormatJSON {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}
