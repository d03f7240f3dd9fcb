// Package logging provides structured logging for driftsync.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// global logger instance
	global *logrus.Logger
	once   sync.Once
)

// Init initializes the global logger. Subsequent calls are no-ops.
func Init(out io.Writer, level string) {
	once.Do(func() {
		global = logrus.New()
		global.SetOutput(out)
		global.SetFormatter(&logrus.JSONFormatter{})
		global.SetLevel(parseLevel(level))
	})
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	if global == nil {
		Init(os.Stdout, "info")
	}
	return global
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Debug logs a debug message with optional structured context.
func Debug(message string, context ...map[string]interface{}) {
	entry(nil, context...).Debug(message)
}

// Info logs an info message with optional structured context.
func Info(message string, context ...map[string]interface{}) {
	entry(nil, context...).Info(message)
}

// Warn logs a warning message with optional structured context.
func Warn(message string, context ...map[string]interface{}) {
	entry(nil, context...).Warn(message)
}

// Error logs an error message with optional structured context.
func Error(message string, err error, context ...map[string]interface{}) {
	entry(err, context...).Error(message)
}

// entry merges context maps into a single logrus entry.
func entry(err error, context ...map[string]interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for _, c := range context {
		for k, v := range c {
			fields[k] = v
		}
	}
	e := Get().WithFields(fields)
	if err != nil {
		e = e.WithError(err)
	}
	return e
}
