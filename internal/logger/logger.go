// Package logger is a small leveled line logger. The daemon logs to a file;
// commands that never call Init stay silent.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelNone disables logging.
	LevelNone
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "NONE"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelNone {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel parses a configured level name. Unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

// sink is the output shared by a logger and its named children.
type sink struct {
	mu     sync.Mutex
	level  atomic.Int32
	w      io.Writer
	closer io.Closer
}

// Logger writes timestamped lines of the form
//
//	2006-01-02 15:04:05.000 [WARN] [engine] message
type Logger struct {
	out    *sink
	prefix string
}

var global atomic.Pointer[Logger]

// Init replaces the global logger. An empty logPath logs to stderr.
func Init(level Level, logPath string) error {
	l, err := New(level, logPath, "")
	if err != nil {
		return err
	}
	if prev := global.Swap(l); prev != nil {
		_ = prev.Close()
	}
	return nil
}

// New creates a Logger appending to logPath, or writing to stderr when
// logPath is empty.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	if level == LevelNone {
		return NewWriter(level, io.Discard, prefix), nil
	}
	if logPath == "" {
		return NewWriter(level, os.Stderr, prefix), nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l := NewWriter(level, file, prefix)
	l.out.closer = file
	return l, nil
}

// NewWriter creates a Logger writing to w. The caller owns w.
func NewWriter(level Level, w io.Writer, prefix string) *Logger {
	s := &sink{w: w}
	s.level.Store(int32(level))
	return &Logger{out: s, prefix: prefix}
}

// Global returns the process logger. Before Init it discards everything.
func Global() *Logger {
	if l := global.Load(); l != nil {
		return l
	}
	global.CompareAndSwap(nil, NewWriter(LevelNone, io.Discard, ""))
	return global.Load()
}

// Named returns a child of the global logger for a component.
func Named(component string) *Logger {
	return Global().WithPrefix(component)
}

// WithPrefix returns a child sharing output and level; prefixes nest as
// "parent:child".
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l.prefix != "" {
		prefix = l.prefix + ":" + prefix
	}
	return &Logger{out: l.out, prefix: prefix}
}

// SetLevel changes the level of l and every logger sharing its output.
func (l *Logger) SetLevel(level Level) {
	l.out.level.Store(int32(level))
}

func (l *Logger) Level() Level {
	return Level(l.out.level.Load())
}

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level Level) bool {
	floor := l.Level()
	return floor != LevelNone && level >= floor
}

func (l *Logger) log(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] ")
	if l.prefix != "" {
		b.WriteString("[" + l.prefix + "] ")
	}
	fmt.Fprintf(&b, format, args...)
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	_, _ = io.WriteString(l.out.w, b.String())
}

func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

// Close closes the log file, if New opened one. Later writes are dropped.
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if l.out.closer == nil {
		return nil
	}
	err := l.out.closer.Close()
	l.out.closer = nil
	l.out.w = io.Discard
	return err
}

func Debug(format string, args ...any) { Global().Debug(format, args...) }
func Info(format string, args ...any)  { Global().Info(format, args...) }
func Warn(format string, args ...any)  { Global().Warn(format, args...) }
func Error(format string, args ...any) { Global().Error(format, args...) }
