// Package teelogger mirrors go-kit log lines to several loggers.
package teelogger

import (
	"github.com/go-kit/kit/log"
)

type teeLogger struct {
	loggers []log.Logger
}

// New returns a logger writing to every non-nil logger given. With a
// single logger, that logger is returned as is.
func New(loggers ...log.Logger) log.Logger {
	l := &teeLogger{}
	for _, logger := range loggers {
		if logger == nil {
			continue
		}
		l.loggers = append(l.loggers, logger)
	}

	if len(l.loggers) == 1 {
		return l.loggers[0]
	}
	return l
}

// Log writes to each logger, even after a failure, and returns the first
// error seen.
func (l *teeLogger) Log(keyvals ...interface{}) error {
	var firstErr error
	for _, logger := range l.loggers {
		if err := logger.Log(keyvals...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
