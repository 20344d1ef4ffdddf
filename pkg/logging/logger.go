// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Aleutian Fabric components.
//
// The package is built on Go's standard library slog package and adds:
//
//   - a Sink interface, the minimal logging capability (Info/Error) that
//     feature loaders and compute rules receive explicitly
//   - multi-destination output (stderr and an optional JSON log file)
//   - Timed, a decorator that stamps every record with the time elapsed
//     since the handle was created
//   - Recorder, an in-memory Sink for tests
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("feature loaded", "feature", "otype")
//
// # Session and Compute Handles
//
// A corpus session owns one logger; every rule invocation gets its own
// child handle so that its messages carry the feature name and timing:
//
//	session := logger.With("session_id", id)
//	compute := logging.Timed(session.With("feature", "__order__"))
//	compute.Info("sorting nodes")
//
// # Thread Safety
//
// Logger is safe for concurrent use. The underlying slog.Logger is
// thread-safe and file state is protected by a mutex.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels.
//
// Levels follow the slog convention and are ordered by severity:
// Debug < Info < Warn < Error
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	// Example: "feature loaded", "cache written"
	LevelInfo

	// LevelWarn is for potentially problematic situations.
	// Example: "directory sync failed (artifact still valid)"
	LevelWarn

	// LevelError is for error conditions.
	// Example: "feature load failed", "malformed lines"
	LevelError
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration string into a Level.
//
// Accepted values are "debug", "info", "warn"/"warning" and "error",
// case-insensitive. Unknown values return LevelInfo and an error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
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

// =============================================================================
// Sink
// =============================================================================

// Sink is the logging capability handed to feature loaders and compute rules.
//
// Calls are ordered and side-effecting; implementations must not block for
// long. *slog.Logger and *Logger both satisfy Sink.
type Sink interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

var (
	_ Sink = (*slog.Logger)(nil)
	_ Sink = (*Logger)(nil)
)

// Discard returns a Sink that drops every message.
func Discard() Sink {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// timedSink decorates a Sink with an elapsed attribute.
type timedSink struct {
	next  Sink
	start time.Time
}

// Timed wraps sink so that every message carries an "elapsed" attribute
// measured from the moment Timed was called.
//
// This is the timing utility used around feature loads and rule
// invocations: create one per operation, not one per process.
func Timed(sink Sink) Sink {
	if sink == nil {
		sink = Discard()
	}
	return &timedSink{next: sink, start: time.Now()}
}

func (t *timedSink) Info(msg string, args ...any) {
	t.next.Info(msg, append(args, slog.Duration("elapsed", time.Since(t.start)))...)
}

func (t *timedSink) Error(msg string, args ...any) {
	t.next.Error(msg, append(args, slog.Duration("elapsed", time.Since(t.start)))...)
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the Logger behavior.
//
// A zero-value Config creates a logger that writes Info+ messages to
// stderr in text format.
type Config struct {
	// Level sets the minimum log level.
	// Default: LevelInfo
	Level Level

	// LogDir enables file logging to the specified directory.
	//
	// The file is named "{Service}_{YYYY-MM-DD}.log" and is always JSON.
	// Supports ~ for home directory expansion.
	// Default: "" (file logging disabled)
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON enables JSON output on the primary writer.
	JSON bool

	// Quiet disables the primary writer.
	Quiet bool

	// Output overrides the primary writer. Default: os.Stderr.
	Output io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger provides structured logging with multi-destination output.
//
// Use With() to create child handles with additional attributes; children
// share the parent's file handle, so only the root should be closed.
type Logger struct {
	slog   *slog.Logger
	config Config
	file   *os.File
	mu     sync.Mutex
}

// New creates a new Logger with the given configuration.
//
// The returned Logger must be closed with Close() when LogDir is set.
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{config: config}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "fabric"
			}
			filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
			file, err := os.OpenFile(filepath.Join(logDir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns a logger writing Info+ text records to stderr.
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "fabric",
	})
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.slog.Debug(msg, args...)
}

// Info logs a message at Info level.
func (l *Logger) Info(msg string, args ...any) {
	l.slog.Info(msg, args...)
}

// Warn logs a message at Warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.slog.Warn(msg, args...)
}

// Error logs a message at Error level.
func (l *Logger) Error(msg string, args ...any) {
	l.slog.Error(msg, args...)
}

// With returns a child Logger with additional attributes.
//
// The parent logger is not modified.
//
// Example:
//
//	featureLogger := logger.With("feature", "oslots")
//	featureLogger.Info("loading")  // includes feature=oslots
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
		file:   l.file,
	}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	l.file = nil
	return nil
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Recorder
// =============================================================================

// Entry is a single message captured by a Recorder.
type Entry struct {
	Level   Level
	Message string
	Attrs   map[string]any
}

// Recorder is a Sink that keeps every message in memory.
//
// Useful in tests to verify what a loader or rule reported:
//
//	rec := logging.NewRecorder()
//	rule.Apply(rec, inputs...)
//	assert.True(t, rec.Contains("sorting nodes"))
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{entries: make([]Entry, 0, 16)}
}

// Info records an Info message.
func (r *Recorder) Info(msg string, args ...any) {
	r.record(LevelInfo, msg, args)
}

// Error records an Error message.
func (r *Recorder) Error(msg string, args ...any) {
	r.record(LevelError, msg, args)
}

func (r *Recorder) record(level Level, msg string, args []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg, Attrs: argsToMap(args)})
}

// Entries returns a copy of all recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Errors returns only the Error-level entries.
func (r *Recorder) Errors() []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Level == LevelError {
			out = append(out, e)
		}
	}
	return out
}

// Contains reports whether any entry's message contains substr.
func (r *Recorder) Contains(substr string) bool {
	for _, e := range r.Entries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// argsToMap converts slog-style key-value args to a map.
// slog.Attr values are unpacked by key.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args); i++ {
		switch a := args[i].(type) {
		case slog.Attr:
			result[a.Key] = a.Value.Any()
		case string:
			if i+1 < len(args) {
				result[a] = args[i+1]
				i++
			}
		}
	}
	return result
}
