package util

import (
	"fmt"

	"github.com/grailbio/base/log"
)

// Logger is the event stream of one pool. Events go to the pool's
// outputter when one was configured and to the process-wide log
// otherwise.
type Logger struct {
	prefix string
	out    log.Outputter
}

func MkLogger(prefix string, out log.Outputter) *Logger {
	return &Logger{prefix: prefix, out: out}
}

// At reports whether events at level would be emitted.
func (l *Logger) At(level log.Level) bool {
	if l == nil || l.out == nil {
		return log.At(level)
	}
	return level <= l.out.Level()
}

func (l *Logger) Printf(level log.Level, format string, v ...interface{}) {
	if !l.At(level) {
		return
	}
	s := fmt.Sprintf(format, v...)
	if l != nil && l.prefix != "" {
		s = l.prefix + ": " + s
	}
	if l == nil || l.out == nil {
		level.Print(s)
		return
	}
	_ = l.out.Output(2, level, s)
}
