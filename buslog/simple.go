package buslog

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// SimpleLogger is a basic structured logger implementation: one line
// per call, `[LEVEL] message key=value ...`, suitable as a default
// when no observability stack is wired in.
type SimpleLogger struct {
	level     LogLevel
	fields    map[string]interface{}
	component string
}

// NewSimpleLogger creates a new simple logger at InfoLevel.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		level:  InfoLevel,
		fields: make(map[string]interface{}),
	}
}

// NewDefaultLogger returns a SimpleLogger as a Logger, configured from
// the LOG_LEVEL environment variable.
func NewDefaultLogger() Logger {
	l := NewSimpleLogger()
	l.SetLevel(GetLogLevel())
	return l
}

func (l *SimpleLogger) Debug(msg string, fields ...interface{}) {
	if l.level <= DebugLevel {
		l.log("DEBUG", msg, fields...)
	}
}

func (l *SimpleLogger) Info(msg string, fields ...interface{}) {
	if l.level <= InfoLevel {
		l.log("INFO", msg, fields...)
	}
}

func (l *SimpleLogger) Warn(msg string, fields ...interface{}) {
	if l.level <= WarnLevel {
		l.log("WARN", msg, fields...)
	}
}

func (l *SimpleLogger) Error(msg string, fields ...interface{}) {
	if l.level <= ErrorLevel {
		l.log("ERROR", msg, fields...)
	}
}

func (l *SimpleLogger) SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

func (l *SimpleLogger) WithField(key string, value interface{}) Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

func (l *SimpleLogger) WithFields(fields map[string]interface{}) Logger {
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &SimpleLogger{level: l.level, fields: newFields, component: l.component}
}

func (l *SimpleLogger) With(fields ...Field) Logger {
	asMap := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		asMap[f.Key] = f.Value
	}
	return l.WithFields(asMap)
}

// WithComponent returns a logger tagged with the given component name,
// satisfying ComponentLogger.
func (l *SimpleLogger) WithComponent(component string) Logger {
	clone := l.WithFields(nil).(*SimpleLogger)
	clone.component = component
	return clone
}

func (l *SimpleLogger) log(level, msg string, fields ...interface{}) {
	var parts []string
	parts = append(parts, "["+level+"]")
	if l.component != "" {
		parts = append(parts, "component="+l.component)
	}
	parts = append(parts, msg)

	for k, v := range l.fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	for i := 0; i+1 < len(fields); i += 2 {
		parts = append(parts, fmt.Sprintf("%v=%v", fields[i], fields[i+1]))
	}

	log.Println(strings.Join(parts, " "))
}

// GetLogLevel reads LOG_LEVEL from the environment, defaulting to INFO.
func GetLogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "INFO"
	}
	return level
}
