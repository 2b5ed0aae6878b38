// Package log constructs the logger the rest of the toolkit shares.
package log

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/config"
)

// NewLogger returns a new logger. Debug mode runs at debug level;
// LOG_LEVEL overrides either way.
func NewLogger(config *config.AppConfig) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.Formatter = &logrus.JSONFormatter{}

	if config.Debug || os.Getenv("DEBUG") == "TRUE" {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}

	return log.WithFields(logrus.Fields{
		"app":     config.Name,
		"version": config.Version,
	})
}
