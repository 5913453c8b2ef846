// Package logging provides structured logging for the apxctrl server.
// It wraps Go's log/slog package to provide JSON-formatted logs with
// persistent context attributes (component, session generation, run ID).
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Options configures a Logger.
type Options struct {
	// File is the path of the JSON log file. Empty writes to stderr.
	File string
	// Level is one of the Level* constants. Unknown values fall back to INFO.
	Level string
	// Rotation controls size-based rotation of File.
	Rotation RotationConfig
}

// Logger provides structured logging with context propagation.
// It is safe for concurrent use. Child loggers share the writer and the
// level, so SetLevel on any of them affects all.
type Logger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	writer *RotatingWriter
	mu     *sync.Mutex // Protects writer close
	attrs  []slog.Attr
}

// NewLogger creates a Logger writing JSON lines to opts.File, rotating it
// per opts.Rotation, or to stderr when no file is configured.
func NewLogger(opts Options) (*Logger, error) {
	var out io.Writer = os.Stderr
	var rw *RotatingWriter

	if opts.File != "" {
		var err error
		rw, err = NewRotatingWriter(opts.File, opts.Rotation)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = rw
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(opts.Level))

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})

	return &Logger{
		logger: slog.New(handler),
		level:  level,
		writer: rw,
		mu:     &sync.Mutex{},
		attrs:  make([]slog.Attr, 0),
	}, nil
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the minimum level for this logger and every logger
// derived from the same root.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Level returns the current minimum level as one of the Level* constants.
func (l *Logger) Level() string {
	switch l.level.Level() {
	case slog.LevelDebug:
		return LevelDebug
	case slog.LevelWarn:
		return LevelWarn
	case slog.LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// WithComponent returns a child Logger tagged with the component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.withAttr(slog.String("component", name))
}

// WithSession returns a child Logger tagged with the session generation.
func (l *Logger) WithSession(generation uint64) *Logger {
	return l.withAttr(slog.Uint64("session", generation))
}

// WithRun returns a child Logger tagged with a run's correlation ID.
func (l *Logger) WithRun(correlationID string) *Logger {
	return l.withAttr(slog.String("run_id", correlationID))
}

// With returns a new Logger with arbitrary key-value attributes.
// Keys and values are provided as alternating arguments.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}

	newAttrs := make([]slog.Attr, 0, len(l.attrs)+len(args)/2)
	newAttrs = append(newAttrs, l.attrs...)

	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		newAttrs = append(newAttrs, slog.Any(key, args[i+1]))
	}

	return l.derive(newAttrs)
}

// withAttr creates a new Logger with an additional attribute.
func (l *Logger) withAttr(attr slog.Attr) *Logger {
	newAttrs := make([]slog.Attr, len(l.attrs)+1)
	copy(newAttrs, l.attrs)
	newAttrs[len(l.attrs)] = attr
	return l.derive(newAttrs)
}

func (l *Logger) derive(attrs []slog.Attr) *Logger {
	return &Logger{
		logger: l.logger,
		level:  l.level,
		writer: l.writer,
		mu:     l.mu,
		attrs:  attrs,
	}
}

// Debug logs a message at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs a message at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs a message at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs a message at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

// log combines persistent attributes with per-call arguments.
func (l *Logger) log(level slog.Level, msg string, args ...any) {
	allArgs := make([]any, 0, len(l.attrs)*2+len(args))
	for _, attr := range l.attrs {
		allArgs = append(allArgs, attr.Key, attr.Value.Any())
	}
	allArgs = append(allArgs, args...)

	l.logger.Log(context.Background(), level, msg, allArgs...)
}

// Close flushes and closes the log file. Loggers writing to stderr
// treat this as a no-op.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return nil
	}
	return l.writer.Close()
}

// NopLogger returns a Logger that discards all log output.
func NopLogger() *Logger {
	level := new(slog.LevelVar)
	return &Logger{
		logger: slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: level})),
		level:  level,
		mu:     &sync.Mutex{},
		attrs:  make([]slog.Attr, 0),
	}
}

// NewWriterLogger returns a Logger writing JSON lines to w at the given level.
// Tests use it to capture output.
func NewWriterLogger(w io.Writer, level string) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(level))
	return &Logger{
		logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})),
		level:  lv,
		mu:     &sync.Mutex{},
		attrs:  make([]slog.Attr, 0),
	}
}

// ParseLevel normalizes a string level to the corresponding constant.
// Returns LevelInfo if the level string is not recognized.
func ParseLevel(level string) string {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return LevelDebug
	case LevelInfo:
		return LevelInfo
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
