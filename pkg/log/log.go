// Package log builds the structured logger every harness component
// receives. It follows the same dev/prod split the container-UI
// tooling this harness is descended from used: JSON-formatted,
// file-backed logging in debug mode, and a discarded, error-level-only
// logger otherwise so a production run never blocks on log I/O.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/sirupsen/logrus"
)

// NewLogger returns a new logger scoped to one harness process.
func NewLogger(cfg *config.AppConfig) *logrus.Entry {
	var l *logrus.Logger
	if cfg.Debug || os.Getenv("DEBUG") == "TRUE" {
		l = newDevelopmentLogger(cfg)
	} else {
		l = newProductionLogger()
	}

	l.Formatter = &logrus.JSONFormatter{}

	return l.WithFields(logrus.Fields{
		"debug":     cfg.Debug,
		"version":   cfg.Version,
		"commit":    cfg.Commit,
		"buildDate": cfg.BuildDate,
	})
}

func getLogLevel() logrus.Level {
	strLevel := os.Getenv("LOG_LEVEL")
	level, err := logrus.ParseLevel(strLevel)
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

func newDevelopmentLogger(cfg *config.AppConfig) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(getLogLevel())
	file, err := os.OpenFile(filepath.Join(cfg.StateDir, "harness.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Println("unable to log to file")
		os.Exit(1)
	}
	l.SetOutput(file)
	return l
}

func newProductionLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	l.SetLevel(logrus.ErrorLevel)
	return l
}
