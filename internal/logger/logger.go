// Package logger provides leveled printf-style logging on top of log/slog.
// The format passed to Init selects the JSON or text handler; the level filters
// records before they are formatted.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level
type Level int

const (
	// DebugLevel logs are typically voluminous, and are usually disabled in production.
	DebugLevel Level = iota
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual human review.
	WarnLevel
	// ErrorLevel logs are high-priority.
	ErrorLevel
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a configuration string to a Level. Unknown values map to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	exit          = os.Exit
)

// Init initializes the default logger writing to stderr.
func Init(level string, format string) {
	InitWithWriter(os.Stderr, level, format)
}

// InitWithWriter initializes the default logger writing to w.
func InitWithWriter(w io.Writer, level string, format string) {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level).slogLevel(),
		AddSource: strings.ToLower(format) == "text",
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	mu.Lock()
	defaultLogger = slog.New(handler)
	mu.Unlock()
}

// Slog returns the underlying structured logger, or slog.Default before Init.
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

func output(level slog.Level, format string, args ...interface{}) {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return
	}

	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}

	// skip runtime.Callers, output and the exported wrapper
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = l.Handler().Handle(ctx, r)
}

// Debug logs a message at DebugLevel
func Debug(format string, args ...interface{}) {
	output(slog.LevelDebug, format, args...)
}

// Info logs a message at InfoLevel
func Info(format string, args ...interface{}) {
	output(slog.LevelInfo, format, args...)
}

// Warn logs a message at WarnLevel
func Warn(format string, args ...interface{}) {
	output(slog.LevelWarn, format, args...)
}

// Error logs a message at ErrorLevel
func Error(format string, args ...interface{}) {
	output(slog.LevelError, format, args...)
}

// Fatal logs a message at ErrorLevel and exits
func Fatal(format string, args ...interface{}) {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		fmt.Fprintf(os.Stderr, "FATAL "+format+"\n", args...)
	} else {
		output(slog.LevelError, format, args...)
	}
	exit(1)
}
