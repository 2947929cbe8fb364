// Package logging wraps zerolog: a console logger for startup, a
// structured JSON/console logger thereafter, selected by LOG_FORMAT,
// enriched with static per-process fields.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the base logger for a process, given the textual level
// ("debug"/"info"/"warn"/"error") and format ("json"/"text"/"pretty") the
// configuration layer validated.
func New(level, format, component string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	var writer io.Writer = out
	if format != "json" {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(writer).With().Timestamp().Str("component", component).Logger()

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// OpenLogFile opens path for append, creating it if necessary, honoring
// the LOG_FILE environment override. Callers fall back to stdout if path
// is empty or the file cannot be opened.
func OpenLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
