package testhelper

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NewDiscardingLogger creates a logger that discards everything.
func NewDiscardingLogger(tb testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}

// NewDiscardingLogEntry creates a logrus entry that discards everything.
func NewDiscardingLogEntry(tb testing.TB) *logrus.Entry {
	return logrus.NewEntry(NewDiscardingLogger(tb))
}

// NewLoggerWithHook creates a discarding logger at debug level whose entries can be
// inspected through the returned hook.
func NewLoggerWithHook(tb testing.TB) (*logrus.Logger, *test.Hook) {
	logger := NewDiscardingLogger(tb)
	logger.SetLevel(logrus.DebugLevel)
	return logger, test.NewLocal(logger)
}
