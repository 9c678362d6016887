package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLogger returns the service logger for component. PERCOLATOR_LOG_LEVEL
// picks the level (info by default); PERCOLATOR_LOG_FORMAT=console switches
// from JSON lines to human-readable output.
func NewLogger(component string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if os.Getenv("PERCOLATOR_LOG_FORMAT") == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMicro}
	}
	return NewLoggerWithLevel(w, component, levelFromEnv(os.Getenv("PERCOLATOR_LOG_LEVEL")))
}

func NewLoggerWithLevel(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func levelFromEnv(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
