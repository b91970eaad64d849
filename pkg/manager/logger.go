package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the logging level
type LogLevel int

const (
	// LogLevelDebug represents debug level logging (most verbose)
	LogLevelDebug LogLevel = iota
	// LogLevelInfo represents info level logging (normal operations)
	LogLevelInfo
	// LogLevelWarn represents warning level logging
	LogLevelWarn
	// LogLevelError represents error level logging
	LogLevelError
	// LogLevelQuiet represents minimal logging (only errors and important messages)
	LogLevelQuiet
)

// LogFormat represents the logging output format
type LogFormat int

const (
	// LogFormatDefault uses emoji format if output is to a TTY, otherwise Go format
	LogFormatDefault LogFormat = iota
	// LogFormatGo uses standard Go log format with timestamps
	LogFormatGo
	// LogFormatEmoji uses emoji with colors for log prefixes
	LogFormatEmoji
	// LogFormatColor uses colored text without emoji
	LogFormatColor
	// LogFormatASCII uses plain text without colors or emoji
	LogFormatASCII
	// LogFormatJSON emits one JSON object per line, for log shippers
	LogFormatJSON
)

// Logger is a wrapper around slog to provide consistent logging across the application
type Logger struct {
	slogger *slog.Logger
	level   LogLevel
}

// DefaultLogger is the package-level logger
var DefaultLogger = NewLogger(os.Stdout, LogLevelInfo)

func slogLevelFor(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError, LogLevelQuiet:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a Logger writing Go text format with timestamps
func NewLogger(w io.Writer, level LogLevel) *Logger {
	return NewLoggerWithFormat(w, level, LogFormatGo)
}

// NewLoggerWithFormat creates a Logger for the given output format.
// LogFormatDefault picks emoji on a terminal and Go format otherwise.
func NewLoggerWithFormat(w io.Writer, level LogLevel, format LogFormat) *Logger {
	if format == LogFormatDefault {
		format = LogFormatGo
		if f, ok := w.(*os.File); ok && isTerminal(f) {
			format = LogFormatEmoji
		}
	}

	opts := &slog.HandlerOptions{Level: slogLevelFor(level)}

	var handler slog.Handler
	switch format {
	case LogFormatEmoji:
		handler = newSimpleHandler(w, opts.Level, true, true)
	case LogFormatColor:
		handler = newSimpleHandler(w, opts.Level, true, false)
	case LogFormatASCII:
		handler = newSimpleHandler(w, opts.Level, false, false)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		slogger: slog.New(handler),
		level:   level,
	}
}

// Debug logs a debug message with key/value pairs
func (l *Logger) Debug(msg string, args ...interface{}) {
	if l.level <= LogLevelDebug {
		l.slogger.Debug(msg, args...)
	}
}

// Info logs an info message with key/value pairs
func (l *Logger) Info(msg string, args ...interface{}) {
	if l.level <= LogLevelInfo {
		l.slogger.Info(msg, args...)
	}
}

// Warn logs a warning message with key/value pairs
func (l *Logger) Warn(msg string, args ...interface{}) {
	if l.level <= LogLevelWarn {
		l.slogger.Warn(msg, args...)
	}
}

// Error logs an error message with key/value pairs
func (l *Logger) Error(msg string, args ...interface{}) {
	if l.level <= LogLevelError || l.level == LogLevelQuiet {
		l.slogger.Error(msg, args...)
	}
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.level <= LogLevelDebug {
		l.slogger.Debug(fmt.Sprintf(format, args...))
	}
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	if l.level <= LogLevelInfo {
		l.slogger.Info(fmt.Sprintf(format, args...))
	}
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.level <= LogLevelWarn {
		l.slogger.Warn(fmt.Sprintf(format, args...))
	}
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.level <= LogLevelError || l.level == LogLevelQuiet {
		l.slogger.Error(fmt.Sprintf(format, args...))
	}
}

// Importantf logs a formatted message that is shown regardless of log level
func (l *Logger) Importantf(format string, args ...interface{}) {
	// Logged at error level so that the handler never filters it
	l.slogger.Error(fmt.Sprintf(format, args...))
}

// isTerminal reports whether the file is connected to a terminal
func isTerminal(f *os.File) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// SetupDefaultLogger initializes the default logger with the specified level and format
func SetupDefaultLogger(level LogLevel, format ...LogFormat) {
	logFormat := LogFormatDefault
	if len(format) > 0 {
		logFormat = format[0]
	}
	DefaultLogger = NewLoggerWithFormat(os.Stdout, level, logFormat)
}

// GetDefaultLogger returns the default logger
func GetDefaultLogger() *Logger {
	return DefaultLogger
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// Emoji for different log levels
const (
	emojiDebug = "🔍"
	emojiInfo  = "ℹ️"
	emojiWarn  = "⚠️"
	emojiError = "❌"
)

// SimpleHandler is a slog.Handler for humans: no timestamps, optional
// colors and emoji, attributes appended as key=value.
type SimpleHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	useColors bool
	useEmoji  bool
	attrs     []slog.Attr
	group     string
}

func newSimpleHandler(w io.Writer, level slog.Leveler, useColors, useEmoji bool) *SimpleHandler {
	return &SimpleHandler{
		mu:        &sync.Mutex{},
		w:         w,
		level:     level,
		useColors: useColors,
		useEmoji:  useEmoji,
	}
}

// Enabled implements slog.Handler.
func (h *SimpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *SimpleHandler) prefix(level slog.Level) string {
	var name, color, emoji string
	switch {
	case level >= slog.LevelError:
		name, color, emoji = "ERROR", colorRed+colorBold, emojiError
	case level >= slog.LevelWarn:
		name, color, emoji = "WARN", colorYellow, emojiWarn
	case level >= slog.LevelInfo:
		name, color, emoji = "INFO", colorGreen, emojiInfo
	default:
		name, color, emoji = "DEBUG", colorBlue, emojiDebug
	}

	switch {
	case h.useEmoji && h.useColors:
		return emoji + " " + color + name + colorReset
	case h.useEmoji:
		return emoji
	case h.useColors:
		return color + name + colorReset
	default:
		return name
	}
}

// Handle implements slog.Handler.
func (h *SimpleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(h.prefix(r.Level))
	b.WriteString(" ")

	if h.useColors && r.Level >= slog.LevelError {
		b.WriteString(colorBold + r.Message + colorReset)
	} else {
		b.WriteString(r.Message)
	}

	writeAttr := func(a slog.Attr) {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		if h.useColors {
			fmt.Fprintf(&b, " %s%s=%v%s", colorDim, key, a.Value.Any(), colorReset)
		} else {
			fmt.Fprintf(&b, " %s=%v", key, a.Value.Any())
		}
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.w, b.String()); err != nil {
		// We can't do much with a logging error except note it
		fmt.Fprintf(os.Stderr, "Error writing log: %v\n", err)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *SimpleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler.
func (h *SimpleHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		name = clone.group + "." + name
	}
	clone.group = name
	return &clone
}
