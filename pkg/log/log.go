// Package log provides a thin, structured wrapper around zerolog so that
// every package in the tracker gets a consistently named, consistently
// configured logger without importing zerolog directly.
package log

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu    sync.RWMutex
	level = zerolog.InfoLevel
	base  = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// Logger is an alias so callers don't need to import zerolog for the type.
type Logger = zerolog.Logger

// SetLevel adjusts the global minimum level applied to every logger returned
// by NewLogger, including ones already handed out.
func SetLevel(l zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	zerolog.SetGlobalLevel(l)
}

// SetJSON switches the process-wide writer between the human-readable
// console format (default, useful in development) and line-delimited JSON
// (useful when output is shipped to a log aggregator).
func SetJSON(json bool) {
	mu.Lock()
	defer mu.Unlock()
	if json {
		base = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
}

// NewLogger returns a Logger tagged with the given component name, e.g.
// "storage/memory" or "frontend/udp".
func NewLogger(name string) Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("name", name).Logger().Level(level)
}
