// Package logger builds the zerolog loggers used by the command line tool.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	level  = zerolog.WarnLevel
	output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
)

// ParseLevel maps a level name to a zerolog level. Unknown names fall back
// to warn.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	}
	return zerolog.WarnLevel
}

// Init sets the level and output of loggers created afterwards. Lines
// written to w are human readable, not JSON.
func Init(levelName string, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	level = ParseLevel(levelName)
	if w != nil {
		output = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
}

// New returns a logger tagged with prefix.
func New(prefix string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("log", prefix).
		Logger()
}
