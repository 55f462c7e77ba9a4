// Package netlog provides the leveled logging indirection used by every
// package in this module, in the style of btcsuite's log.go: a package-level
// Logger is swapped in by the caller via UseLogger, and every call site goes
// through Tracef/Debugf/Infof/Warnf/Errorf so a silent no-op logger is the
// default until the host application wires up something real.
package netlog

import (
	"fmt"
	"log"
	"os"
)

// Logger is the minimal leveled interface every package in this module logs
// through. Host applications supply their own implementation (e.g. wrapping
// zap, logrus, or the standard library) via UseLogger.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// disabledLogger discards everything; it is the default so that importing
// this module without calling UseLogger produces no output.
type disabledLogger struct{}

func (disabledLogger) Tracef(string, ...interface{}) {}
func (disabledLogger) Debugf(string, ...interface{}) {}
func (disabledLogger) Infof(string, ...interface{})  {}
func (disabledLogger) Warnf(string, ...interface{})  {}
func (disabledLogger) Errorf(string, ...interface{}) {}

// Disabled is a Logger that discards all output.
var Disabled Logger = disabledLogger{}

// stdLogger is a small adapter onto the standard library logger, useful for
// CLI tools that just want readable output on stderr.
type stdLogger struct {
	prefix string
	l      *log.Logger
}

// NewStdLogger returns a Logger that writes leveled lines to stderr,
// prefixed with subsystem, in the conventional "SUBS: LEVEL: msg" shape.
func NewStdLogger(subsystem string) Logger {
	return &stdLogger{
		prefix: subsystem,
		l:      log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (s *stdLogger) output(level, format string, args ...interface{}) {
	s.l.Printf("%s: %s: %s", s.prefix, level, fmt.Sprintf(format, args...))
}

func (s *stdLogger) Tracef(format string, args ...interface{}) { s.output("TRC", format, args...) }
func (s *stdLogger) Debugf(format string, args ...interface{}) { s.output("DBG", format, args...) }
func (s *stdLogger) Infof(format string, args ...interface{})  { s.output("INF", format, args...) }
func (s *stdLogger) Warnf(format string, args ...interface{})  { s.output("WRN", format, args...) }
func (s *stdLogger) Errorf(format string, args ...interface{}) { s.output("ERR", format, args...) }
