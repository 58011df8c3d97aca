package session

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel уровни логирования.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Field поле структурированного лога.
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value.String()} }
func Err(err error) Field                            { return Field{"error", err.Error()} }

// StructuredLogger интерфейс структурированного логирования ядра.
type StructuredLogger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// WithComponent возвращает дочерний логгер с именем компонента.
	WithComponent(component string) StructuredLogger

	// WithCall возвращает дочерний логгер с контекстом вызова.
	WithCall(callID string) StructuredLogger

	SetLevel(level LogLevel)
}

// logEntry запись лога в JSON-формате.
type logEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// DefaultLogger реализация StructuredLogger с JSON-выводом.
type DefaultLogger struct {
	mu        sync.Mutex
	level     LogLevel
	output    io.Writer
	component string
	callID    string
}

// NewDefaultLogger создает логгер с выводом в stdout и уровнем Info.
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		level:  LogLevelInfo,
		output: os.Stdout,
	}
}

// NewLoggerWithOutput создает логгер с произвольным writer.
func NewLoggerWithOutput(w io.Writer, level LogLevel) *DefaultLogger {
	return &DefaultLogger{level: level, output: w}
}

func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *DefaultLogger) child() *DefaultLogger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &DefaultLogger{
		level:     l.level,
		output:    l.output,
		component: l.component,
		callID:    l.callID,
	}
}

func (l *DefaultLogger) WithComponent(component string) StructuredLogger {
	c := l.child()
	c.component = component
	return c
}

func (l *DefaultLogger) WithCall(callID string) StructuredLogger {
	c := l.child()
	c.callID = callID
	return c
}

func (l *DefaultLogger) Debug(msg string, fields ...Field) { l.log(LogLevelDebug, msg, fields) }
func (l *DefaultLogger) Info(msg string, fields ...Field)  { l.log(LogLevelInfo, msg, fields) }
func (l *DefaultLogger) Warn(msg string, fields ...Field)  { l.log(LogLevelWarn, msg, fields) }
func (l *DefaultLogger) Error(msg string, fields ...Field) { l.log(LogLevelError, msg, fields) }

func (l *DefaultLogger) log(level LogLevel, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	entry := logEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
		CallID:    l.callID,
	}
	if len(fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(fields))
		for _, f := range fields {
			entry.Fields[f.Key] = f.Value
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = l.output.Write(data)
}

// NopLogger логгер, отбрасывающий все записи. Используется, когда
// логирование не сконфигурировано.
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field)                  {}
func (NopLogger) Info(string, ...Field)                   {}
func (NopLogger) Warn(string, ...Field)                   {}
func (NopLogger) Error(string, ...Field)                  {}
func (n NopLogger) WithComponent(string) StructuredLogger { return n }
func (n NopLogger) WithCall(string) StructuredLogger      { return n }
func (NopLogger) SetLevel(LogLevel)                       {}
