// Package logging defines the printf-style logger shared by the scheduler,
// the saga engine and the storage backends, with a human console backend and
// a structured slog backend.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Logger is the logging surface every component depends on
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

type discard struct{}

func (discard) Debug(string, ...interface{}) {}
func (discard) Info(string, ...interface{})  {}
func (discard) Warn(string, ...interface{})  {}
func (discard) Error(string, ...interface{}) {}

// NewDefaultLogger returns a logger that drops everything
func NewDefaultLogger() Logger {
	return discard{}
}

// OrDefault returns logger, or the discarding logger when it is nil
func OrDefault(logger Logger) Logger {
	if logger == nil {
		return discard{}
	}
	return logger
}

// LogLevel orders messages by severity
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < LogLevelDebug || l > LogLevelError {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel reads a configured level name. Unknown names mean info.
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// ConsoleLogger prints "15:04:05.000 [LEVEL] message" lines. Leading
// double spaces in a format are kept as indentation so nested stages read
// as a tree.
type ConsoleLogger struct {
	level LogLevel
	mu    sync.Mutex
	out   io.Writer
	now   func() time.Time
}

// NewConsoleLogger writes messages at level and above to w
func NewConsoleLogger(level LogLevel, w io.Writer) *ConsoleLogger {
	return &ConsoleLogger{level: level, out: w, now: time.Now}
}

func (l *ConsoleLogger) Debug(format string, args ...interface{}) {
	l.log(LogLevelDebug, format, args...)
}

func (l *ConsoleLogger) Info(format string, args ...interface{}) {
	l.log(LogLevelInfo, format, args...)
}

func (l *ConsoleLogger) Warn(format string, args ...interface{}) {
	l.log(LogLevelWarn, format, args...)
}

func (l *ConsoleLogger) Error(format string, args ...interface{}) {
	l.log(LogLevelError, format, args...)
}

func (l *ConsoleLogger) log(level LogLevel, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	trimmed := strings.TrimLeft(format, " ")
	indent := strings.Repeat("  ", (len(format)-len(trimmed))/2)
	line := fmt.Sprintf("%s [%-5s] %s%s\n", l.now().Format("15:04:05.000"), level, indent, fmt.Sprintf(trimmed, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, line)
}

// SlogLogger formats messages printf-style and hands them to slog
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger writes "json" or text records at level and above to w
func NewSlogLogger(level, format string, w io.Writer) *SlogLogger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level).slogLevel()}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &SlogLogger{logger: slog.New(handler)}
}

func (l *SlogLogger) Debug(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *SlogLogger) Info(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *SlogLogger) Warn(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *SlogLogger) Error(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
