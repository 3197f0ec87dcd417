package teelogger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"
)

type failingLogger struct {
	err error
}

func (f failingLogger) Log(keyvals ...interface{}) error { return f.err }

func TestTee(t *testing.T) {
	t.Parallel()

	var a, b bytes.Buffer
	boom := errors.New("boom")

	logger := New(log.NewLogfmtLogger(&a), nil, failingLogger{boom}, log.NewLogfmtLogger(&b), failingLogger{errors.New("second")})
	require.ErrorIs(t, logger.Log("msg", "hello"), boom)

	require.Equal(t, "msg=hello\n", a.String())
	require.Equal(t, "msg=hello\n", b.String())
}

func TestSingleLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	inner := log.NewLogfmtLogger(&buf)

	logger := New(nil, inner)
	require.NoError(t, logger.Log("msg", "hello"))
	require.Equal(t, "msg=hello\n", buf.String())
}
