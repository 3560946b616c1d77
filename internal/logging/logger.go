// Package logging provides structured logging for nodesync.
//
// The package keeps a small map-based API on top of logrus so call sites read
// logging.Info("msg", map[string]interface{}{...}) and every entry comes out
// as one JSON object per line.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Logger provides structured logging backed by logrus.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
	format   Format
	backend  *logrus.Logger
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
)

// Init initializes the global logger with JSON output.
func Init(out io.Writer, minLevel LogLevel) {
	InitWithFormat(out, minLevel, FormatJSON)
}

// InitWithFormat initializes the global logger. Only the first call has effect.
func InitWithFormat(out io.Writer, minLevel LogLevel, format Format) {
	once.Do(func() {
		global = New(out, minLevel, format)
	})
}

// New creates a standalone logger.
func New(out io.Writer, minLevel LogLevel, format Format) *Logger {
	return &Logger{
		out:      out,
		minLevel: minLevel,
		format:   format,
	}
}

// Get returns the global logger instance, initializing it to INFO on stdout
// when Init was never called.
func Get() *Logger {
	once.Do(func() {
		global = New(os.Stdout, LevelInfo, FormatJSON)
	})
	return global
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// entryFormatter renders logrus entries as LogEntry JSON lines.
type entryFormatter struct{}

func (entryFormatter) Format(e *logrus.Entry) ([]byte, error) {
	entry := LogEntry{
		Timestamp: e.Time.UTC().Format(time.RFC3339),
		Level:     string(fromLogrus(e.Level)),
		Message:   e.Message,
	}
	for k, v := range e.Data {
		if k == logrus.ErrorKey {
			if err, ok := v.(error); ok {
				entry.Error = err.Error()
				continue
			}
		}
		if entry.Context == nil {
			entry.Context = make(map[string]interface{}, len(e.Data))
		}
		// errors marshal to {} otherwise
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry.Context[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func toLogrus(level LogLevel) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func fromLogrus(level logrus.Level) LogLevel {
	switch level {
	case logrus.TraceLevel, logrus.DebugLevel:
		return LevelDebug
	case logrus.WarnLevel:
		return LevelWarn
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// logrusLogger lazily builds the backend. Caller holds l.mu.
func (l *Logger) logrusLogger() *logrus.Logger {
	if l.backend != nil {
		return l.backend
	}
	lr := logrus.New()
	out := l.out
	if out == nil {
		out = os.Stdout
	}
	lr.SetOutput(out)
	// level filtering happens in shouldLog
	lr.SetLevel(logrus.TraceLevel)
	if l.format == FormatText {
		lr.SetFormatter(&logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	} else {
		lr.SetFormatter(entryFormatter{})
	}
	l.backend = lr
	return lr
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := logrus.NewEntry(l.logrusLogger())
	if len(context) > 0 {
		e = e.WithFields(logrus.Fields(context))
	}
	if err != nil {
		e = e.WithError(err)
	}
	e.Log(toLogrus(level), message)
}

// shouldLog checks if a level should be logged.
func (l *Logger) shouldLog(level LogLevel) bool {
	levels := map[LogLevel]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}

	return levels[level] >= levels[l.minLevel]
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, l.getContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, l.getContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, l.getContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, l.getContext(context...))
}

// ErrorWithCode logs an error tagged with an application error code.
func (l *Logger) ErrorWithCode(message string, code apperrors.ErrorCode, err error, context ...map[string]interface{}) {
	ctx := l.getContext(context...)
	merged := make(map[string]interface{}, len(ctx)+1)
	for k, v := range ctx {
		merged[k] = v
	}
	merged["error_code"] = string(code)
	l.log(LevelError, message, err, merged)
}

// getContext merges multiple context maps.
func (l *Logger) getContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code apperrors.ErrorCode, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
