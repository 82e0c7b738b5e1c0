// Package logging wraps the standard logger with level gating and the
// component-prefixed key=value line format used across postbox.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger emits lines of the form "<RFC3339> LEVEL component: msg".
type Logger struct {
	logger    *log.Logger
	level     Level
	component string
}

// New creates a component logger writing to w.
func New(w io.Writer, level Level, component string) *Logger {
	return &Logger{
		logger:    log.New(w, "", 0),
		level:     level,
		component: component,
	}
}

// WithComponent returns a logger sharing the destination and level but
// tagged with a different component name.
func (lg *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: lg.logger, level: lg.level, component: component}
}

func (lg *Logger) Debugf(format string, args ...any) { lg.logf(LevelDebug, format, args...) }
func (lg *Logger) Infof(format string, args ...any)  { lg.logf(LevelInfo, format, args...) }
func (lg *Logger) Warnf(format string, args ...any)  { lg.logf(LevelWarn, format, args...) }
func (lg *Logger) Errorf(format string, args ...any) { lg.logf(LevelError, format, args...) }

func (lg *Logger) logf(level Level, format string, args ...any) {
	if lg == nil || level < lg.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	lg.logger.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, lg.component, msg)
}
