package main

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/radarhub/internal/monitoring"
)

// newLogger builds the process logger. An unknown level falls back to info.
func newLogger(out io.Writer, level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// installLogger routes the monitoring loggers through log. Debug output is
// only wired when the level admits it, so per-datagram traces cost nothing
// otherwise.
func installLogger(log *logrus.Logger) {
	monitoring.SetLogger(log.Infof)
	if log.IsLevelEnabled(logrus.DebugLevel) {
		monitoring.SetDebugLogger(log.Debugf)
	} else {
		monitoring.SetDebugLogger(nil)
	}
}
