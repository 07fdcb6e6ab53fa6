// Package logger provides the process-wide structured logger.
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
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogEntry represents a captured WARN or ERROR entry.
type LogEntry struct {
	Time    time.Time  `json:"time"`
	Level   slog.Level `json:"level"`
	Message string     `json:"message"`
	Attrs   string     `json:"attrs,omitempty"`
}

// ringBuffer is a fixed-size circular buffer for log entries.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	size    int
	head    int
	count   int

	// Counters
	warnCount  int
	errorCount int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

func (rb *ringBuffer) add(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	// Update counters
	if entry.Level == slog.LevelWarn {
		rb.warnCount++
	} else if entry.Level >= slog.LevelError {
		rb.errorCount++
	}
}

func (rb *ringBuffer) getAll() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]LogEntry, rb.count)
	for i := 0; i < rb.count; i++ {
		idx := (rb.head - rb.count + i + rb.size) % rb.size
		result[i] = rb.entries[idx]
	}
	return result
}

func (rb *ringBuffer) getCounts() (warn, err int) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.warnCount, rb.errorCount
}

func (rb *ringBuffer) clearCounts() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.warnCount = 0
	rb.errorCount = 0
}

// debugHandler wraps another handler to capture recent problems for the admin API.
type debugHandler struct {
	inner  slog.Handler
	buffer *ringBuffer
}

func (h *debugHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *debugHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		var attrs []string
		r.Attrs(func(a slog.Attr) bool {
			attrs = append(attrs, a.String())
			return true
		})
		h.buffer.add(LogEntry{
			Time:    r.Time,
			Level:   r.Level,
			Message: r.Message,
			Attrs:   strings.Join(attrs, " "),
		})
	}
	return h.inner.Handle(ctx, r)
}

func (h *debugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &debugHandler{
		inner:  h.inner.WithAttrs(attrs),
		buffer: h.buffer,
	}
}

func (h *debugHandler) WithGroup(name string) slog.Handler {
	return &debugHandler{
		inner:  h.inner.WithGroup(name),
		buffer: h.buffer,
	}
}

var (
	// Log is the global structured logger
	Log *slog.Logger
	// logWriter is the rotating log writer
	logWriter *lumberjack.Logger
	// LogPath is the path to the current log file
	LogPath string
	// debugBuffer holds recent WARN/ERROR entries
	debugBuffer *ringBuffer
	// debugEnabled tracks if debug mode is active
	debugEnabled bool
	// levelVar lets SetLevel adjust the threshold after InitLogger
	levelVar = new(slog.LevelVar)
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// StderrPath selects stderr instead of a rotating file.
const StderrPath = "-"

// InitLogger initializes the global logger with the specified level and optional path.
// If logPath is empty, defaults to ~/.config/hostwatch/hostwatch.log.
// StderrPath writes JSON lines to stderr for foreground runs under a supervisor.
func InitLogger(level LogLevel, logPath string) {
	SetLevel(level)

	opts := &slog.HandlerOptions{
		Level: levelVar,
	}

	// Determine log path
	if logPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = os.TempDir()
		}
		logDir := filepath.Join(homeDir, ".config", "hostwatch")
		_ = os.MkdirAll(logDir, 0755)
		logPath = filepath.Join(logDir, "hostwatch.log")
	}

	LogPath = logPath

	var writer io.Writer
	if logPath == StderrPath {
		logWriter = nil
		writer = os.Stderr
	} else {
		_ = os.MkdirAll(filepath.Dir(logPath), 0755)
		logWriter = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
			Compress:   true,
		}
		writer = logWriter
	}

	// Keep the last 100 problems for /debug/logs
	debugBuffer = newRingBuffer(100)

	// Create handler chain: debugHandler -> JSONHandler -> writer
	jsonHandler := slog.NewJSONHandler(writer, opts)
	handler := &debugHandler{
		inner:  jsonHandler,
		buffer: debugBuffer,
	}

	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// SetLevel changes the minimum level of the running logger.
func SetLevel(level LogLevel) {
	debugEnabled = level == LevelDebug

	switch level {
	case LevelDebug:
		levelVar.Set(slog.LevelDebug)
	case LevelWarn:
		levelVar.Set(slog.LevelWarn)
	case LevelError:
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// Close closes the log file
func Close() {
	if logWriter != nil {
		logWriter.Close()
	}
}

// getLogger returns the global logger, or the default slog logger if not initialized.
func getLogger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	getLogger().Debug(msg, args...)
}

// Info logs an info message
func Info(msg string, args ...any) {
	getLogger().Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	getLogger().Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

// With creates a new logger with additional attributes
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// ParseLevel maps a level name to a LogLevel, defaulting to info.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// GetCounts returns the current warning and error counts.
func GetCounts() (warn, err int) {
	if debugBuffer == nil {
		return 0, 0
	}
	return debugBuffer.getCounts()
}

// ClearCounts resets the warning and error counters.
func ClearCounts() {
	if debugBuffer != nil {
		debugBuffer.clearCounts()
	}
}

// GetEntries returns all captured log entries.
func GetEntries() []LogEntry {
	if debugBuffer == nil {
		return nil
	}
	return debugBuffer.getAll()
}

// IsDebugEnabled returns true if debug mode is active.
func IsDebugEnabled() bool {
	return debugEnabled
}

// FormatEntry formats a log entry for display.
func (e LogEntry) Format() string {
	levelStr := "INFO"
	switch e.Level {
	case slog.LevelDebug:
		levelStr = "DEBUG"
	case slog.LevelInfo:
		levelStr = "INFO"
	case slog.LevelWarn:
		levelStr = "WARN"
	case slog.LevelError:
		levelStr = "ERROR"
	}
	if e.Attrs != "" {
		return fmt.Sprintf("%s %-5s %s %s", e.Time.Format("15:04:05"), levelStr, e.Message, e.Attrs)
	}
	return fmt.Sprintf("%s %-5s %s", e.Time.Format("15:04:05"), levelStr, e.Message)
}
