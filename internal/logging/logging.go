package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Global structured logger. Initialized with a console writer on stderr.
var logger atomic.Pointer[zerolog.Logger]

func init() {
	l := New("text", zerolog.InfoLevel, os.Stderr)
	logger.Store(&l)
}

// L returns the current global logger.
func L() zerolog.Logger { return *logger.Load() }

// Set replaces the global logger.
func Set(l zerolog.Logger) {
	logger.Store(&l)
}

// New creates a logger with given format ("text" or "json"), level, and
// optional writer (defaults stderr).
func New(format string, level zerolog.Level, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var out io.Writer = w
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// ParseLevel maps debug|info|warn|error onto zerolog levels; anything else
// is info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// FileWriter returns a size-rotated log file writer.
func FileWriter(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
}
