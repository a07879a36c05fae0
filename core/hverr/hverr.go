// Package hverr defines the small, flat error taxonomy shared by every
// core subsystem, plus the BUG_ON/WARN_ON diagnostics helpers.
package hverr

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// Code is one of the fixed result codes the core ever returns.
type Code int

const (
	OK Code = iota
	FAIL
	INVALID
	NotAvailable
	OutOfMemory
	OutOfResources
	NoDevice
	Access
	Busy
	TimedOut
	IO
	Overflow
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case FAIL:
		return "FAIL"
	case INVALID:
		return "INVALID"
	case NotAvailable:
		return "NOT_AVAILABLE"
	case OutOfMemory:
		return "OUT_OF_MEMORY"
	case OutOfResources:
		return "OUT_OF_RESOURCES"
	case NoDevice:
		return "NO_DEVICE"
	case Access:
		return "ACCESS"
	case Busy:
		return "BUSY"
	case TimedOut:
		return "TIMEDOUT"
	case IO:
		return "IO"
	case Overflow:
		return "OVERFLOW"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a Code with a contextual message. It satisfies the error
// interface so it can be returned through ordinary Go error paths; the
// core never unwinds via panic/recover for control flow.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New builds an *Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error carrying the given code.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

var log = logrus.WithField("component", "hverr")

// BugOn logs a structured stack dump and terminates the process. It is
// reserved for conditions the design treats as unrecoverable corruption of
// core invariants (allocator bookkeeping, transition-table violations that
// slipped past validation) — never for expected error paths.
func BugOn(cond bool, format string, args ...any) {
	if !cond {
		return
	}
	log.Errorf("BUG_ON: "+format, args...)
	log.Error(string(debug.Stack()))
	panic(fmt.Sprintf(format, args...))
}

// WarnOn logs a structured stack dump and continues.
func WarnOn(cond bool, format string, args ...any) bool {
	if !cond {
		return false
	}
	log.Warnf("WARN_ON: "+format, args...)
	log.Warn(string(debug.Stack()))
	return true
}
