package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level orders log severities; a Logger drops everything below its level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone // disables output
)

var levelNames = [...]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelNone:  "NONE",
}

// aliases accepted by ParseLevel besides the canonical names
var levelAliases = map[string]Level{
	"trace":    LevelDebug,
	"warning":  LevelWarn,
	"off":      LevelNone,
	"disabled": LevelNone,
}

func (l Level) String() string {
	if l < LevelDebug || l > LevelNone {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps config and flag values to a Level. Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, name := range levelNames {
		if strings.ToLower(name) == s {
			return Level(l)
		}
	}
	if l, ok := levelAliases[s]; ok {
		return l
	}
	return LevelInfo
}

// Logger is a leveled, prefix-aware line logger shared by every package of the service.
type Logger struct {
	mu       sync.RWMutex
	level    Level
	logger   *log.Logger
	prefix   string
	file     *os.File
	disabled bool
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// Init replaces the global logger. An empty logPath writes to stderr.
func Init(level Level, logPath string) error {
	l, err := New(level, logPath, "")
	if err != nil {
		return err
	}
	globalMu.Lock()
	old := globalLogger
	globalLogger = l
	globalMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// New creates a Logger. An empty logPath logs to stderr; LevelNone discards everything.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	if level == LevelNone {
		return NewWithWriter(level, io.Discard, prefix), nil
	}
	if logPath == "" {
		return NewWithWriter(level, os.Stderr, prefix), nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := NewWithWriter(level, file, prefix)
	l.file = file
	return l, nil
}

// NewWithWriter creates a Logger writing to w. Tests use it with a bytes.Buffer.
func NewWithWriter(level Level, w io.Writer, prefix string) *Logger {
	return &Logger{
		level:    level,
		logger:   log.New(w, "", 0),
		prefix:   prefix,
		disabled: level == LevelNone || w == io.Discard,
	}
}

// Global returns the global logger instance. Before Init it logs warnings and errors to stderr.
func Global() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewWithWriter(LevelWarn, os.Stderr, "")
	}
	return globalLogger
}

// WithPrefix creates a new logger with an additional prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	newPrefix := prefix
	if l.prefix != "" {
		newPrefix = l.prefix + ":" + prefix
	}

	return &Logger{
		level:    l.level,
		logger:   l.logger,
		prefix:   newPrefix,
		disabled: l.disabled,
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.disabled || level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)

	prefix := l.prefix
	if prefix != "" {
		prefix = "[" + prefix + "] "
	}

	l.logger.Printf("%s [%s] %s%s", timestamp, level.String(), prefix, msg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Close closes the underlying log file, if any. Prefixed children share the parent's file
// and never close it.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Debug logs a debug message using the global logger
func Debug(format string, args ...interface{}) {
	Global().Debug(format, args...)
}

// Info logs an informational message using the global logger
func Info(format string, args ...interface{}) {
	Global().Info(format, args...)
}

// Warn logs a warning message using the global logger
func Warn(format string, args ...interface{}) {
	Global().Warn(format, args...)
}

// Error logs an error message using the global logger
func Error(format string, args ...interface{}) {
	Global().Error(format, args...)
}
