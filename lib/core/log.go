package core

import (
	"os"

	"github.com/sirupsen/logrus"
)

// SetupLogging configures the shared logger from config. verbose forces
// debug level regardless of the configured one.
func SetupLogging(cfg LogConfig, verbose bool) *logrus.Logger {
	log := logrus.StandardLogger()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	return log
}
