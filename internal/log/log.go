package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

const (
	// AccessLogLevelEnvKey overrides the level of the access logger
	AccessLogLevelEnvKey = "CHANGEHUB_ACCESS_LOG_LEVEL"
	// LogTimestampFormat defines the timestamp format in log files
	LogTimestampFormat = "2006-01-02T15:04:05.000Z"
)

var (
	defaultLogger = logrus.StandardLogger()
	accessLogger  = logrus.New()

	// Loggers is convenient when you want to apply configuration to all
	// loggers
	Loggers = []*logrus.Logger{defaultLogger, accessLogger}
)

func init() {
	// This ensures that any log statements that occur before
	// the configuration has been loaded will be written to
	// stdout instead of stderr
	for _, l := range Loggers {
		l.Out = os.Stdout
	}
}

// Configure sets the format and level on all loggers. It applies level
// mapping to the access logger.
func Configure(loggers []*logrus.Logger, format string, level string) {
	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}
	case "text":
		formatter = &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}
	case "":
		// Just stick with the default
	default:
		logrus.WithField("format", format).Fatal("invalid logger format")
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	for _, l := range loggers {
		if l == accessLogger {
			l.SetLevel(mapAccessLogLevel(logrusLevel))
		} else {
			l.SetLevel(logrusLevel)
		}

		if formatter != nil {
			l.Formatter = formatter
		}
	}
}

func mapAccessLogLevel(level logrus.Level) logrus.Level {
	if override := os.Getenv(AccessLogLevelEnvKey); override != "" {
		if parsed, err := logrus.ParseLevel(override); err == nil {
			return parsed
		}
	}

	// Every request is logged at info, which drowns everything else when the hub
	// runs at debug level for the protocol.
	if level > logrus.InfoLevel {
		return logrus.InfoLevel
	}

	return level
}

// Default is the default logrus logger
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }

// Access is a dedicated logrus logger for the hub's request log.
func Access() *logrus.Entry { return accessLogger.WithField("pid", os.Getpid()) }
