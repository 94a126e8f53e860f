// Package log is a thin leveled facade over zap's sugared logger. The
// printf-style API keeps call sites terse; the level gate is process-wide.
package log

import (
	"go.uber.org/zap"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var logLevel Level

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

func SetLevel(level Level) {
	logLevel = level
}

func Debug(format string, args ...interface{}) {
	if logLevel <= DEBUG {
		zap.S().Debugf(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if logLevel <= INFO {
		zap.S().Infof(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if logLevel <= WARNING {
		zap.S().Warnf(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if logLevel <= ERROR {
		zap.S().Errorf(format, args...)
	}
}

// Fatal logs and terminates the process. The command log uses it for
// write/fsync/close failures on a live log file, which are unrecoverable.
func Fatal(format string, args ...interface{}) {
	zap.S().Fatalf(format, args...)
}
