// Package logging provides the swappable log sink shared by store,
// device, and group: a package-level LogFunc variable following the
// teacher's account.SetLogFunc pattern, adapted to plain Go since this
// module has no cgo level constants to inherit from self-sdk.h.
package logging

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Level is the severity of a single log line.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Func is called for every log line the engine emits.
type Func func(level Level, message string)

var sink atomic.Value

// SetFunc replaces the package-wide log sink. A nil fn restores the
// default, which writes to the standard library logger.
func SetFunc(fn Func) {
	if fn == nil {
		sink.Store(Func(defaultSink))
		return
	}
	sink.Store(fn)
}

func current() Func {
	fn := sink.Load()
	if fn == nil {
		return defaultSink
	}
	return fn.(Func)
}

func defaultSink(level Level, message string) {
	log.Printf("[%s] %s", level, message)
}

// Errorf logs an error-level line under tag, the same
// "[cryptoengine.<component>] ..." convention pkg/storage/storage.go
// uses for its own "[sdk.storage] ..." lines.
func Errorf(tag, format string, args ...interface{}) {
	current()(LevelError, tag+" "+fmt.Sprintf(format, args...))
}

// Warnf logs a warn-level line under tag.
func Warnf(tag, format string, args ...interface{}) {
	current()(LevelWarn, tag+" "+fmt.Sprintf(format, args...))
}

// Infof logs an info-level line under tag.
func Infof(tag, format string, args ...interface{}) {
	current()(LevelInfo, tag+" "+fmt.Sprintf(format, args...))
}

// Debugf logs a debug-level line under tag.
func Debugf(tag, format string, args ...interface{}) {
	current()(LevelDebug, tag+" "+fmt.Sprintf(format, args...))
}
