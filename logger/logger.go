package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// LogLevel defines the severity of the log
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// ParseLevel maps a config string to a level. Unknown names give LogLevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "off":
		return LogLevelSilent
	case "error":
		return LogLevelError
	case "warn", "warning":
		return LogLevelWarn
	case "debug":
		return LogLevelDebug
	}
	return LogLevelInfo
}

// LogFormat defines the output format of the log
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Logger is the interface for logging SQL and internal messages
type Logger interface {
	SetLevel(level LogLevel)
	SetFormat(format LogFormat)
	SetOutput(w io.Writer)
	// SetLevelOutput routes one level to its own writer. The SQL line counts as info.
	SetLevelOutput(level LogLevel, w io.Writer)
	WithFields(fields map[string]any) Logger
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	SQL(sql string, duration time.Duration, args ...any)
}

// baseLogger contains common logging functionality
type baseLogger struct {
	mu      *sync.Mutex
	level   LogLevel
	format  LogFormat
	writer  io.Writer
	writers map[LogLevel]io.Writer
	fields  map[string]any
}

func (l *baseLogger) SetLevel(level LogLevel) {
	l.level = level
}

func (l *baseLogger) SetFormat(format LogFormat) {
	l.format = format
}

func (l *baseLogger) SetOutput(w io.Writer) {
	l.writer = w
}

func (l *baseLogger) SetLevelOutput(level LogLevel, w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w == nil {
		delete(l.writers, level)
		return
	}
	l.writers[level] = w
}

func (l *baseLogger) output(level LogLevel) io.Writer {
	if w, ok := l.writers[level]; ok {
		return w
	}
	return l.writer
}

func (l *baseLogger) clone() *baseLogger {
	newFields := make(map[string]any, len(l.fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	l.mu.Lock()
	newWriters := make(map[LogLevel]io.Writer, len(l.writers))
	for k, v := range l.writers {
		newWriters[k] = v
	}
	l.mu.Unlock()
	return &baseLogger{
		mu:      l.mu,
		level:   l.level,
		format:  l.format,
		writer:  l.writer,
		writers: newWriters,
		fields:  newFields,
	}
}

// stdLogger is the default implementation of Logger
type stdLogger struct {
	baseLogger
}

// NewStdLogger creates a new standard logger
func NewStdLogger() Logger {
	return &stdLogger{
		baseLogger: baseLogger{
			mu:      &sync.Mutex{},
			level:   LogLevelInfo,
			format:  LogFormatText,
			writer:  os.Stdout,
			writers: make(map[LogLevel]io.Writer),
			fields:  make(map[string]any),
		},
	}
}

func (l *stdLogger) WithFields(fields map[string]any) Logger {
	newLogger := &stdLogger{
		baseLogger: *l.clone(),
	}
	for k, v := range fields {
		newLogger.fields[k] = v
	}
	return newLogger
}

func (l *stdLogger) Debug(format string, args ...any) {
	if l.level >= LogLevelDebug {
		l.log(LogLevelDebug, "DEBUG", format, args...)
	}
}

func (l *stdLogger) Info(format string, args ...any) {
	if l.level >= LogLevelInfo {
		l.log(LogLevelInfo, "INFO", format, args...)
	}
}

func (l *stdLogger) Warn(format string, args ...any) {
	if l.level >= LogLevelWarn {
		l.log(LogLevelWarn, "WARN", format, args...)
	}
}

func (l *stdLogger) Error(format string, args ...any) {
	if l.level >= LogLevelError {
		l.log(LogLevelError, "ERROR", format, args...)
	}
}

func (l *stdLogger) SQL(sql string, duration time.Duration, args ...any) {
	if l.level < LogLevelInfo {
		return
	}
	if l.format == LogFormatJSON {
		l.log(LogLevelInfo, "SQL", "", "sql", sql, "duration", duration.String(), "args", args)
		return
	}
	l.log(LogLevelInfo, "SQL", "%s[%v] %s | args: %v%s", getSQLColor(sql), duration, sql, args, ansiReset)
}

func (l *stdLogger) log(lvl LogLevel, level string, format string, args ...any) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.output(lvl)

	if l.format == LogFormatJSON {
		data := make(map[string]any, len(l.fields)+3)
		for k, v := range l.fields {
			data[k] = v
		}
		data["time"] = now.Format(time.RFC3339)
		data["level"] = level
		if format != "" {
			if len(args) > 0 {
				data["msg"] = fmt.Sprintf(format, args...)
			} else {
				data["msg"] = format
			}
		} else {
			// key/value pairs
			for i := 0; i+1 < len(args); i += 2 {
				if key, ok := args[i].(string); ok {
					data[key] = args[i+1]
				}
			}
		}
		json.NewEncoder(w).Encode(data)
		return
	}

	msg := fmt.Sprintf(format, args...)
	fieldStr := ""
	if len(l.fields) > 0 {
		fieldStr = fmt.Sprintf(" fields: %v", l.fields)
	}
	fmt.Fprintf(w, "[TOOLDB] %s %s: %s%s\n", now.Format("2006-01-02 15:04:05"), level, msg, fieldStr)
}

func getSQLColor(sqlStr string) string {
	s := strings.TrimSpace(strings.ToUpper(sqlStr))
	switch {
	case strings.HasPrefix(s, "SELECT"):
		return ansiYellow
	case strings.HasPrefix(s, "INSERT"), strings.HasPrefix(s, "UPDATE"):
		return ansiGreen
	case strings.HasPrefix(s, "DELETE"):
		return ansiRed
	default:
		return ansiCyan
	}
}
