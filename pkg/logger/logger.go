// Package logger provides structured logging using slog with hostname tracking
// and short source file paths for debugging across multiple instances.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Fields represents structured log fields.
type Fields map[string]any

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	// hostname is cached on init.
	hostname string
)

func init() {
	var err error
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	defaultLogger = New(os.Stderr)
}

// New creates a new slog logger at info level with hostname and short source paths.
func New(w io.Writer) *slog.Logger {
	return NewWithLevel(w, slog.LevelInfo)
}

// NewWithLevel creates a new slog logger at the given level.
func NewWithLevel(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
					source.Function = ""
				}
			}
			return a
		},
	}

	return slog.New(slog.NewTextHandler(w, opts)).With("instance", hostname)
}

// ParseLevel maps a level name (debug, info, warn, error) to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// SetLogger replaces the package logger.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Default returns the package logger.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Hostname returns the cached hostname.
func Hostname() string {
	return hostname
}

// Info logs an info message with optional fields.
func Info(ctx context.Context, msg string, fields Fields) {
	Default().LogAttrs(ctx, slog.LevelInfo, msg, attrsFromFields(fields)...)
}

// Warn logs a warning message with optional fields.
func Warn(ctx context.Context, msg string, fields Fields) {
	Default().LogAttrs(ctx, slog.LevelWarn, msg, attrsFromFields(fields)...)
}

// Error logs an error message with optional fields. A nil err is allowed.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	attrs := attrsFromFields(fields)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	Default().LogAttrs(ctx, slog.LevelError, msg, attrs...)
}

// Debug logs a debug message with optional fields.
func Debug(ctx context.Context, msg string, fields Fields) {
	Default().LogAttrs(ctx, slog.LevelDebug, msg, attrsFromFields(fields)...)
}

func attrsFromFields(fields Fields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}
