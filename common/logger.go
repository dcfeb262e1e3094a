// Package common provides shared logging infrastructure for the hangar
// control plane. Error-level output is routed to stderr while all other
// levels go to stdout, so container log pipelines can treat the streams
// differently.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level marker.
type OutputSplitter struct{}

// Write sends lines containing "level=error" to stderr and everything else
// to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all packages.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// LoggerConfig contains configuration for creating a logger.
type LoggerConfig struct {
	Level   string // minimum log level (debug, info, warn, error)
	Format  string // "json" or "text"
	Service string // service name attached to every entry
	Version string // service version attached to every entry
}

// NewLogger creates a configured logger instance and makes it the global
// Logger. The returned entry carries the service and version fields.
func NewLogger(config LoggerConfig) *logrus.Entry {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(&OutputSplitter{})
	Logger = logger

	return logger.WithFields(logrus.Fields{
		"service": config.Service,
		"version": config.Version,
	})
}
