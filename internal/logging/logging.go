// Package logging wraps logrus: a JSON logger constructor and a helper
// that scopes a logger to a session_id/step pair.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger writing JSON to stdout at the given level
// name ("debug", "info", "warn", "error"). An unknown or empty level
// falls back to info.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stdout
	l.Formatter = &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Step returns a logger scoped to one session/step pair.
func Step(l logrus.FieldLogger, sessionID, step string) logrus.FieldLogger {
	return l.WithFields(logrus.Fields{"session_id": sessionID, "step": step})
}
