package loop

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Unbounded is returned by Prepare when a source needs no polling and can wait
// for external delivery indefinitely.
const Unbounded time.Duration = -1

// Source is a unit of pending work attached to a Loop.
//
// Each tick the loop calls Prepare on every attached source before blocking,
// then Check after the wait. When Check reports true the loop queues a
// deferred call to Dispatch on its future-tick queue. Prepare and Check must
// not block and must not invoke the callback.
type Source interface {
	// Prepare returns the longest the loop may block before this source must
	// be checked again, Unbounded for no limit, or 0 to ask for no blocking.
	Prepare(l *Loop) time.Duration

	// Check reports whether the source is ready for dispatch.
	Check(l *Loop) bool

	// Dispatch invokes cb with the event data for this source and reports
	// whether the source stays attached.
	Dispatch(l *Loop, cb Callback) bool
}

// Callback receives events from a dispatched source.
type Callback func(ev Event)

// Readiness is a set of I/O conditions on a handle.
type Readiness uint8

const (
	Readable Readiness = 1 << iota
	Writable
	Hangup
)

func (r Readiness) String() string {
	s := ""
	if r&Readable != 0 {
		s += "r"
	}
	if r&Writable != 0 {
		s += "w"
	}
	if r&Hangup != 0 {
		s += "h"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Event is the payload handed to a Callback. Only the fields belonging to the
// dispatching source variant are set.
type Event struct {
	Source Source
	Time   int64 // loop time in microseconds when dispatched

	// timer
	Timer *Timer

	// stream
	Fd    int
	Ready Readiness

	// signal
	Signal os.Signal
	Count  int // deliveries coalesced into this dispatch

	// file
	File fsnotify.Event
	Err  error
}

// lifecycle is implemented by sources that hold loop-side registrations.
type lifecycle interface {
	attached(l *Loop) error
	detached(l *Loop)
}

// pollable is implemented by sources whose readiness is observed through the
// loop's shared wait.
type pollable interface {
	interest(buf []pollFd) []pollFd
	observe(fds []pollFd)
}
