// Package logging provides structured logging for the triage engine.
//
// The package favors explicit, boring Go over clever abstractions: named
// loggers per component, five levels, optional structured key-value fields,
// and per-package level overrides for targeted debugging.
//
// Initialize the logger at application startup:
//
//	logging.Initialize("info")
//
// Get a named logger for your component:
//
//	logger := logging.GetLogger("triage.service")
//	logger.Info("listening on port %d", 8080)
//
// Structured fields are preferred for anything a human might grep for later:
//
//	logger.InfoWithFields("span closed",
//	    logging.Field("span", span.ID),
//	    logging.Field("change", step.Change),
//	)
//
// Logger instances are immutable; WithField returns a child logger and both
// are safe for concurrent use.
package logging

import (
	"os"
	"strings"
	"sync"
)

var (
	globalLogger *Logger
	initOnce     sync.Once
	// exitFunc is called by Fatal. Overridable for tests.
	exitFunc = os.Exit
)

// Initialize configures the global default level and optional per-package
// overrides, e.g. {"triage.*": "debug", "sweep": "warn"}.
func Initialize(levelStr string, packageLevels ...map[string]string) error {
	level, err := parseLevel(levelStr)
	if err != nil {
		level = INFO
	}
	globalLogger = &Logger{level: level, name: "triage"}

	if len(packageLevels) > 0 && packageLevels[0] != nil {
		if err := SetPackageLogLevels(packageLevels[0]); err != nil {
			return err
		}
	}
	return nil
}

// GetLogger returns a logger with the given component name, lazily
// initializing the global configuration at INFO on first use.
func GetLogger(name string) *Logger {
	initOnce.Do(func() {
		if globalLogger == nil {
			_ = Initialize("info")
		}
	})
	return &Logger{level: globalLogger.level, name: name}
}

func (l *Logger) shouldLog(level LogLevel) bool {
	if pkgLevel := getPackageLogLevel(l.name); pkgLevel >= 0 {
		return level >= pkgLevel
	}
	return level >= l.level
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.logf("DEBUG", msg, args...)
	}
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...interface{}) {
	if l.shouldLog(INFO) {
		l.logf("INFO", msg, args...)
	}
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	if l.shouldLog(WARN) {
		l.logf("WARN", msg, args...)
	}
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	if l.shouldLog(ERROR) {
		l.logf(levelError, msg, args...)
	}
}

// ErrorWithErr logs a message together with the error that caused it.
func (l *Logger) ErrorWithErr(msg string, err error) {
	if l.shouldLog(ERROR) {
		l.logf(levelError, "%s: %v", msg, err)
	}
}

// Fatal logs a fatal message and exits with code 1.
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.logf(levelFatal, msg, args...)
	exitFunc(1)
}

// DebugWithFields logs a debug message with structured fields.
func (l *Logger) DebugWithFields(msg string, fields ...LogField) {
	if l.shouldLog(DEBUG) {
		l.writeLog("DEBUG", msg, mergeFields(l.fields, fields))
	}
}

// InfoWithFields logs an informational message with structured fields.
func (l *Logger) InfoWithFields(msg string, fields ...LogField) {
	if l.shouldLog(INFO) {
		l.writeLog("INFO", msg, mergeFields(l.fields, fields))
	}
}

// WarnWithFields logs a warning message with structured fields.
func (l *Logger) WarnWithFields(msg string, fields ...LogField) {
	if l.shouldLog(WARN) {
		l.writeLog("WARN", msg, mergeFields(l.fields, fields))
	}
}

// ErrorWithFields logs an error message with structured fields.
func (l *Logger) ErrorWithFields(msg string, fields ...LogField) {
	if l.shouldLog(ERROR) {
		l.writeLog(levelError, msg, mergeFields(l.fields, fields))
	}
}

// WithField returns a child logger that always carries the field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	child := &Logger{level: l.level, name: l.name}
	child.fields = make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		child.fields[k] = v
	}
	child.fields[key] = value
	return child
}

func parseLevel(levelStr string) (LogLevel, error) {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN":
		return WARN, nil
	case levelError:
		return ERROR, nil
	case levelFatal:
		return FATAL, nil
	default:
		return -1, invalidLevelError(levelStr)
	}
}
