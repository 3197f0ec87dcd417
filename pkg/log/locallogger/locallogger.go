// Package locallogger writes JSON logs to a rotating file. The bundle
// command tees into it when --log_file is set.
package locallogger

import (
	"fmt"
	"io"

	"github.com/go-kit/kit/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	truncatedFormatString = "%s[TRUNCATED]"
	maxOutputLength       = 100
)

// Keys holding captured tool output. These can be huge, so they're
// truncated before they hit the file.
var outputKeys = map[string]bool{
	"stdout": true,
	"stderr": true,
	"output": true,
}

type localLogger struct {
	logger log.Logger
	writer io.Writer
	lj     *lumberjack.Logger
}

func NewKitLogger(logFilePath string) *localLogger {
	lj := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // compress rotated files
	}

	writer := log.NewSyncWriter(lj)

	return &localLogger{
		logger: log.NewJSONLogger(writer),
		writer: writer,
		lj:     lj,
	}
}

func (ll *localLogger) Close() error {
	return ll.lj.Close()
}

// Log truncates a copy of keyvals, so loggers sharing the slice through a
// tee still see the full output.
func (ll *localLogger) Log(keyvals ...interface{}) error {
	kv := append([]interface{}(nil), keyvals...)
	filterOutput(kv...)
	return ll.logger.Log(kv...)
}

func (ll *localLogger) Writer() io.Writer {
	return ll.writer
}

// filterOutput truncates long tool output in place.
func filterOutput(keyvals ...interface{}) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok || !outputKeys[key] {
			continue
		}
		str, ok := keyvals[i+1].(string)
		if ok && len(str) > maxOutputLength {
			keyvals[i+1] = fmt.Sprintf(truncatedFormatString, str[0:maxOutputLength-1])
		}
	}
}
