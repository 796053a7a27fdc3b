// Package levellog is a small leveled wrapper around the standard library
// logger, mirroring the shorthand that snijder's logger.py offered
// (logw/logi/logd/loge/logc) with a runtime-settable verbosity knob driven
// by the CLI's repeatable -v flag.
package levellog

import (
	"log"
	"os"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	Critical
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Logger gates a stdlib *log.Logger behind a minimum severity.
type Logger struct {
	out *log.Logger
	min Level
}

// Default is the process-wide logger, matching the original's single
// module-level LOGGER instance. Verbosity is adjusted via SetVerbosity.
var Default = New(Warn)

func New(min Level) *Logger {
	return &Logger{out: log.New(os.Stderr, "", log.LstdFlags), min: min}
}

// SetVerbosity maps a repeated -v count to a logging threshold the same way
// the original computed loglevel = WARN - verbosity*10 across five levels.
func SetVerbosity(count int) {
	lvl := int(Warn) - count
	if lvl < int(Debug) {
		lvl = int(Debug)
	}
	if lvl > int(Critical) {
		lvl = int(Critical)
	}
	Default.min = Level(lvl)
}

func (l *Logger) log(lvl Level, format string, args ...any) {
	if lvl < l.min {
		return
	}
	l.out.Printf("["+lvl.String()+"] "+format, args...)
}

func (l *Logger) Debugf(format string, args ...any)    { l.log(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)     { l.log(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)     { l.log(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any)    { l.log(Error, format, args...) }
func (l *Logger) Criticalf(format string, args ...any) { l.log(Critical, format, args...) }

func Debugf(format string, args ...any)    { Default.Debugf(format, args...) }
func Infof(format string, args ...any)     { Default.Infof(format, args...) }
func Warnf(format string, args ...any)     { Default.Warnf(format, args...) }
func Errorf(format string, args ...any)    { Default.Errorf(format, args...) }
func Criticalf(format string, args ...any) { Default.Criticalf(format, args...) }
