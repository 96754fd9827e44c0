// Package logging provides the structured logger shared by every component
// of the control plane. Entries carry a level, a message and typed fields and
// are rendered by a pluggable Formatter (text or JSON).
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
)

// Level represents the severity of a log message
type Level int

const (
	DebugLevel Level = iota - 1
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field            { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field        { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Time(key string, value time.Time) Field         { return Field{Key: key, Value: value} }
func Any(key string, value interface{}) Field        { return Field{Key: key, Value: value} }
func Strings(key string, value []string) Field       { return Field{Key: key, Value: value} }

// ErrorField creates an error field
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}

// Component tags entries with the subsystem that produced them.
func Component(name string) Field {
	return Field{Key: "component", Value: name}
}

// SessionID tags entries with a client session.
func SessionID(id string) Field {
	return Field{Key: "session_id", Value: id}
}

// Logger is the interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// Fatal logs and exits the process
	Fatal(msg string, fields ...Field)

	// WithFields returns a child logger carrying the extra fields
	WithFields(fields ...Field) Logger
	// WithContext returns a child logger with request and session ids from ctx
	WithContext(ctx context.Context) Logger
	// WithError returns a child logger describing err
	WithError(err error) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Entry represents a log entry
type Entry struct {
	Level     Level
	Message   string
	Fields    map[string]interface{}
	Timestamp time.Time
	RequestID string
	SessionID string
	Component string
}

// Formatter formats log entries
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// sink is shared between a logger and its children so that SetLevel on the
// root applies everywhere and writes are serialized on one writer.
type sink struct {
	mu        sync.Mutex
	level     Level
	output    io.Writer
	formatter Formatter
}

type baseLogger struct {
	sink   *sink
	fields map[string]interface{}
}

// New creates a new structured logger writing to output. A nil output means
// stderr and a nil formatter means text.
func New(output io.Writer, formatter Formatter) Logger {
	if output == nil {
		output = os.Stderr
	}
	if formatter == nil {
		formatter = NewTextFormatter()
	}
	return &baseLogger{
		sink:   &sink{level: InfoLevel, output: output, formatter: formatter},
		fields: make(map[string]interface{}),
	}
}

// Options configures NewWithOptions.
type Options struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// NewWithOptions builds a logger from configuration values.
func NewWithOptions(opts Options) (Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var formatter Formatter
	switch strings.ToLower(opts.Format) {
	case "", "text":
		formatter = NewTextFormatter()
	case "json":
		formatter = NewJSONFormatter()
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	logger := New(opts.Output, formatter)
	logger.SetLevel(level)
	return logger, nil
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	logger := New(io.Discard, NewTextFormatter())
	logger.SetLevel(FatalLevel + 1)
	return logger
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *baseLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, fields)
	os.Exit(1)
}

func (l *baseLogger) WithFields(fields ...Field) Logger {
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for _, field := range fields {
		newFields[field.Key] = field.Value
	}
	return &baseLogger{sink: l.sink, fields: newFields}
}

func (l *baseLogger) WithContext(ctx context.Context) Logger {
	var fields []Field
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, String("request_id", requestID))
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, SessionID(sessionID))
	}
	return l.WithFields(fields...)
}

func (l *baseLogger) WithError(err error) Logger {
	fields := []Field{ErrorField(err)}

	if mcpErr, ok := mcperrors.AsMCPError(err); ok {
		fields = append(fields,
			Int("error_code", mcpErr.Code()),
			String("error_category", string(mcpErr.Category())),
		)
		if ctx := mcpErr.Context(); ctx != nil {
			if ctx.RequestID != "" {
				fields = append(fields, String("request_id", ctx.RequestID))
			}
			if ctx.SessionID != "" {
				fields = append(fields, SessionID(ctx.SessionID))
			}
			if ctx.Operation != "" {
				fields = append(fields, String("operation", ctx.Operation))
			}
		}
	}

	return l.WithFields(fields...)
}

func (l *baseLogger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

func (l *baseLogger) GetLevel() Level {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

func (l *baseLogger) log(level Level, msg string, fields []Field) {
	if level < l.GetLevel() {
		return
	}

	entry := &Entry{
		Level:     level,
		Message:   msg,
		Fields:    make(map[string]interface{}, len(l.fields)+len(fields)),
		Timestamp: time.Now(),
	}
	for k, v := range l.fields {
		entry.Fields[k] = v
	}
	for _, field := range fields {
		entry.Fields[field.Key] = field.Value
	}

	if v, ok := entry.Fields["request_id"].(string); ok {
		entry.RequestID = v
	}
	if v, ok := entry.Fields["session_id"].(string); ok {
		entry.SessionID = v
	}
	if v, ok := entry.Fields["component"].(string); ok {
		entry.Component = v
	}

	data, err := l.sink.formatter.Format(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to format log entry: %v\n", err)
		return
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if _, err := l.sink.output.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write log entry: %v\n", err)
	}
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
)

// ContextWithRequestID returns a context with a request ID
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from a context
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// ContextWithSessionID returns a context with a session ID
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext extracts the session ID from a context
func SessionIDFromContext(ctx context.Context) string {
	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}
