// Package logging configures the single logrus logger shared by every
// component in this module, the way cmd/vmsh wires it up once at
// startup and every internal package pulls it from here afterwards.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Setup reconfigures the shared logger's level and, for a target pid,
// attaches a "pid" field to every subsequent entry produced by For.
func Setup(level logrus.Level, pid int) {
	log.SetLevel(level)
	if pid != 0 {
		defaultFields["pid"] = pid
	}
}

var defaultFields = logrus.Fields{}

// For returns a logger entry scoped to the named component, e.g.
// logging.For("tracee").
func For(component string) *logrus.Entry {
	fields := logrus.Fields{"component": component}
	for k, v := range defaultFields {
		fields[k] = v
	}
	return log.WithFields(fields)
}
