package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger is a simple logger that writes to the console.
type Logger struct {
	*log.Logger
}

// NewLogger creates a new Logger.
func NewLogger() *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
	}
}

func (l *Logger) logf(level, msg string, args ...interface{}) {
	if len(args) == 0 {
		l.Printf("%s: %s", level, msg)
		return
	}
	var b strings.Builder
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	if len(args)%2 != 0 {
		fmt.Fprintf(&b, " %v", args[len(args)-1])
	}
	l.Printf("%s: %s%s", level, msg, b.String())
}

// Info logs an informational message with optional key-value pairs.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.logf("INFO", msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.logf("WARN", msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.logf("ERROR", msg, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.logf("DEBUG", msg, args...)
}
