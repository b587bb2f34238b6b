package log

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// NewFileLogger creates a logger appending to name inside dir. The checkout CLI uses it so
// that diagnostics do not interleave with its command output.
func NewFileLogger(dir, name string) (*logrus.Logger, error) {
	logger := logrus.New()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	logger.SetOutput(logFile)
	logger.Formatter = &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}

	runtime.SetFinalizer(logFile, func(f *os.File) {
		f.Close()
	})

	return logger, nil
}
