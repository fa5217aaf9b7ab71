// Package logging wraps a process wide logrus logger. Components obtain a
// tagged entry with Component and add structured fields from there.
package logging

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Level is the logging verbosity.
type Level int

const (
	// LevelError logs errors only
	LevelError Level = iota
	// LevelWarn adds warnings
	LevelWarn
	// LevelInfo adds informational messages
	LevelInfo
	// LevelDebug logs everything
	LevelDebug
)

var defaultLogger *log.Logger

func init() {
	defaultLogger = New(LevelInfo)
}

// New creates a logger with the text formatter used across the binaries.
func New(level Level) *log.Logger {
	logger := log.New()
	logger.SetLevel(logrusLevel(level))
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return logger
}

func logrusLevel(level Level) log.Level {
	switch level {
	case LevelDebug:
		return log.DebugLevel
	case LevelInfo:
		return log.InfoLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// ParseLevel converts a level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
}

// SetLevel sets the level of the default logger.
func SetLevel(level Level) {
	defaultLogger.SetLevel(logrusLevel(level))
}

// SetLevelFromString sets the level of the default logger by name.
func SetLevelFromString(s string) error {
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	SetLevel(level)
	return nil
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return defaultLogger.GetLevel() >= log.DebugLevel
}

// SetOutput sets the output for the default logger
func SetOutput(output io.Writer) {
	defaultLogger.SetOutput(output)
}

// SetFormatter sets the formatter for the default logger
func SetFormatter(formatter log.Formatter) {
	defaultLogger.SetFormatter(formatter)
}

// Logger returns the default logger.
func Logger() *log.Logger {
	return defaultLogger
}

// Component returns an entry tagged with the component name.
func Component(name string) *log.Entry {
	return defaultLogger.WithField("component", name)
}

// WithField adds a field to the default logger
func WithField(key string, value interface{}) *log.Entry {
	return defaultLogger.WithField(key, value)
}

// WithFields adds multiple fields to the default logger
func WithFields(fields log.Fields) *log.Entry {
	return defaultLogger.WithFields(fields)
}

// WithError adds an error field to the default logger
func WithError(err error) *log.Entry {
	return defaultLogger.WithError(err)
}

// Discard returns an entry that drops everything. Used as the fallback when
// a component is configured without a logger.
func Discard() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}
