// Package logging provides per-component structured loggers.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	root *logrus.Logger
)

func rootLogger() *logrus.Logger {
	once.Do(func() {
		root = logrus.New()
		root.SetOutput(os.Stderr)
		root.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
		if level, err := logrus.ParseLevel(strings.TrimSpace(os.Getenv("MUXDOCK_LOG_LEVEL"))); err == nil {
			root.SetLevel(level)
		} else {
			root.SetLevel(logrus.InfoLevel)
		}
	})
	return root
}

// Component returns a logger entry tagged with a component name.
func Component(name string) *logrus.Entry {
	return rootLogger().WithField("component", name)
}

// SetLevel overrides the level for all component loggers.
func SetLevel(level logrus.Level) {
	rootLogger().SetLevel(level)
}
