package obs

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared structured logger used across the service.
// Output is one JSON object per line.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
		logger.SetLevel(levelFromEnv())
	})
	return logger
}

// WithComponent returns an entry pre-tagged with the component name.
func WithComponent(name string) *logrus.Entry {
	return Logger().WithField("component", name)
}

func levelFromEnv() logrus.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ACSG_LOG_LEVEL"))) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
