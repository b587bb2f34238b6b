package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		format string
		level  string
		logger *logrus.Logger
	}{
		{
			desc:   "json format with info level",
			format: "json",
			logger: &logrus.Logger{
				Formatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with info level",
			format: "text",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc: "empty format with info level",
			logger: &logrus.Logger{
				Level: logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with debug level",
			format: "text",
			level:  "debug",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.DebugLevel,
			},
		},
		{
			desc:   "text format with invalid level",
			format: "text",
			level:  "invalid-level",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			loggers := []*logrus.Logger{{}, {}}
			Configure(loggers, tc.format, tc.level)
			require.Equal(t, []*logrus.Logger{tc.logger, tc.logger}, loggers)
		})
	}
}

func TestConfigure_accessLogger(t *testing.T) {
	t.Setenv(AccessLogLevelEnvKey, "")
	defer Configure(Loggers, "", "info")

	Configure([]*logrus.Logger{accessLogger}, "json", "debug")
	require.Equal(t, logrus.InfoLevel, accessLogger.Level)

	Configure([]*logrus.Logger{accessLogger}, "json", "error")
	require.Equal(t, logrus.ErrorLevel, accessLogger.Level)

	t.Setenv(AccessLogLevelEnvKey, "warn")
	Configure([]*logrus.Logger{accessLogger}, "json", "debug")
	require.Equal(t, logrus.WarnLevel, accessLogger.Level)
}

func TestNewFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := NewFileLogger(dir, "checkout.log")
	require.NoError(t, err)
	logger.WithField("document", "plant-7").Info("pulled")

	content, err := os.ReadFile(filepath.Join(dir, "checkout.log"))
	require.NoError(t, err)
	require.Contains(t, string(content), `"document":"plant-7"`)
	require.Contains(t, string(content), `"msg":"pulled"`)
}
