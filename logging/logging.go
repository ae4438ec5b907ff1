// Package logging centralizes the structured-logging setup shared by
// every component of the node. Each subsystem gets a logrus.Entry
// carrying a "component" field, the structured equivalent of the
// bracket-tagged log lines ("[RPC]", "[ROUTING]", "[TOKEN]", "[TASK]")
// used throughout this codebase's ancestry.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel configures the minimum log level for the whole process.
// Unknown level names fall back to info.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)
}

// For returns a logger scoped to the named component, e.g. "rpc", "routing".
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
