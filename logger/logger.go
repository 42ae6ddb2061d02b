// Package logger provides a leveled structured logger satisfying the
// engine's core.Logger interface.
package logger

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

// LogLevel orders log severities.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// SimpleLogger writes leveled key=value lines through the standard log
// package. Fields render in sorted key order so output is stable.
type SimpleLogger struct {
	level LogLevel
	base  map[string]interface{}
}

// New creates a logger at the given level ("debug", "info", "warn",
// "error"; anything else means info).
func New(level string) *SimpleLogger {
	l := &SimpleLogger{level: InfoLevel, base: map[string]interface{}{}}
	l.SetLevel(level)
	return l
}

// NewFromEnv creates a logger using the WHISPERFLEET_LOG_LEVEL variable.
func NewFromEnv() *SimpleLogger {
	return New(os.Getenv("WHISPERFLEET_LOG_LEVEL"))
}

// SetLevel sets the logging level
func (l *SimpleLogger) SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO", "":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

// WithFields returns a logger carrying additional permanent fields.
func (l *SimpleLogger) WithFields(fields map[string]interface{}) *SimpleLogger {
	base := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		base[k] = v
	}
	for k, v := range fields {
		base[k] = v
	}
	return &SimpleLogger{level: l.level, base: base}
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) {
	if l.level <= DebugLevel {
		l.log("DEBUG", msg, fields)
	}
}

func (l *SimpleLogger) Info(msg string, fields map[string]interface{}) {
	if l.level <= InfoLevel {
		l.log("INFO", msg, fields)
	}
}

func (l *SimpleLogger) Warn(msg string, fields map[string]interface{}) {
	if l.level <= WarnLevel {
		l.log("WARN", msg, fields)
	}
}

func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) {
	if l.level <= ErrorLevel {
		l.log("ERROR", msg, fields)
	}
}

func (l *SimpleLogger) log(level, msg string, fields map[string]interface{}) {
	parts := []string{fmt.Sprintf("[%s]", level), msg}

	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, merged[k]))
	}

	log.Println(strings.Join(parts, " "))
}
