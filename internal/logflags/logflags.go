// Package logflags configures the process-wide logrus logger and exposes
// the small set of named subsystem loggers the debug core writes to. This
// mirrors delve's own pkg/logflags: a single env var lists which subsystems
// should log, and Enabled reports whether a subsystem is listed; Logger
// itself does not consult it, and the shared logger keeps logrus's default
// Info level. Logging always goes to stderr so a DAP client speaking
// newline-delimited JSON on stdout is never interleaved (spec §6).
package logflags

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const envVar = "DBGCORE_LOG"

var (
	once    sync.Once
	enabled map[string]bool
	root    = logrus.New()
)

func init() {
	root.Out = os.Stderr
	root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func load() {
	enabled = map[string]bool{}
	for _, name := range strings.Split(os.Getenv(envVar), ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			enabled[name] = true
		}
	}
}

// Enabled reports whether the named subsystem logger should emit output.
func Enabled(name string) bool {
	once.Do(load)
	return enabled[name] || enabled["all"]
}

// Logger returns the logger for the named subsystem, whether or not the
// subsystem is enabled. Use Enabled to guard expensive message
// construction before calling it on a hot path.
func Logger(name string) *logrus.Entry {
	return root.WithField("subsystem", name)
}

// UnwindLogger is the logger for stack-unwinding diagnostics.
func UnwindLogger() *logrus.Entry { return Logger("unwind") }

// MemApLogger is the logger for Memory-AP register traffic.
func MemApLogger() *logrus.Entry { return Logger("memap") }

// EvalLogger is the logger for DWARF expression/variable evaluation.
func EvalLogger() *logrus.Entry { return Logger("eval") }

// Unwind reports whether unwind-step tracing is enabled.
func Unwind() bool { return Enabled("unwind") }

// MemAp reports whether Memory-AP register tracing is enabled.
func MemAp() bool { return Enabled("memap") }
