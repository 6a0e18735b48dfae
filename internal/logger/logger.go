// Package logger wires zerolog for the daemon, the CLI and the batch workers.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by the logger.
type ContextKey string

// LoggerKey is the context key for the logger instance.
const LoggerKey ContextKey = "logger"

// Options selects level and output format.
type Options struct {
	Level  string    // debug, info, warn, error
	Format string    // "console" or "json"
	Writer io.Writer // defaults to stderr
}

// New builds a logger from opts. Unknown levels fall back to info.
func New(opts Options) zerolog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if !strings.EqualFold(opts.Format, "json") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// NewWithWriter creates a JSON logger writing to w. Used by tests.
func NewWithWriter(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

// WithContext adds the logger to the context.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, l)
}

// FromContext retrieves the logger from ctx, or a disabled logger if none is set.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}

// WithFields adds structured fields to a logger.
func WithFields(l zerolog.Logger, fields map[string]interface{}) zerolog.Logger {
	c := l.With()
	for k, v := range fields {
		c = c.Interface(k, v)
	}
	return c.Logger()
}
