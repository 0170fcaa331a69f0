// Package job provides awaitable operations backed by loop sources, for use
// with coro.Co.Await.
package job

import (
	"errors"
	"os"
	"time"

	"evloop/internal/loop"
	"evloop/internal/promise"
)

var (
	// ErrTimeout rejects a promise wrapped by WithTimeout that did not settle in time.
	ErrTimeout = errors.New("job: timed out")

	// ErrBusy rejects a readiness wait on a handle and mode that already has one.
	ErrBusy = errors.New("job: handle already awaited for this mode")
)

// Sleep returns a promise fulfilled with the loop time (microseconds) once d
// has elapsed.
func Sleep(l *loop.Loop, d time.Duration) promise.Promise {
	p := promise.New(l)
	l.AddTimer(d, func(ev loop.Event) {
		p.Resolve(ev.Time)
	})
	return p
}

// Readable returns a promise fulfilled with the reported loop.Readiness once fd
// can be read. Reading and writing may be awaited on one fd at the same time,
// but only one wait per mode; a second one is rejected with ErrBusy.
func Readable(l *loop.Loop, s *loop.StreamSource, fd int) promise.Promise {
	return ready(l, s, fd, loop.Readable)
}

// Writable returns a promise fulfilled once fd can be written.
func Writable(l *loop.Loop, s *loop.StreamSource, fd int) promise.Promise {
	return ready(l, s, fd, loop.Writable)
}

func ready(l *loop.Loop, s *loop.StreamSource, fd int, mode loop.Readiness) promise.Promise {
	p := promise.New(l)
	if s.Interest(fd)&mode != 0 {
		p.Reject(ErrBusy)
		return p
	}
	s.Watch(fd, mode, func(ev loop.Event) {
		s.Unwatch(fd, mode)
		p.Resolve(ev.Ready)
	})
	if !l.Attached(s) {
		// handles carry their own callbacks
		if _, err := l.AttachSource(s, func(loop.Event) {}); err != nil {
			s.Unwatch(fd, mode)
			p.Reject(err)
		}
	}
	return p
}

// Signal returns a promise fulfilled with the signal on its next delivery.
func Signal(l *loop.Loop, sig os.Signal) promise.Promise {
	p := promise.New(l)
	src := loop.NewSignalSource(sig)
	_, err := l.AttachSource(src, func(ev loop.Event) {
		l.DetachSource(src)
		p.Resolve(ev.Signal)
	})
	if err != nil {
		p.Reject(err)
	}
	return p
}

// WithTimeout follows p but rejects with ErrTimeout if p has not settled
// after d.
func WithTimeout(l *loop.Loop, p promise.Promise, d time.Duration) promise.Promise {
	out := promise.New(l)
	t := l.AddTimer(d, func(loop.Event) {
		out.Reject(ErrTimeout)
	})
	p.Then(func(v any) (any, error) {
		t.Cancel()
		out.Resolve(v)
		return nil, nil
	}, func(err error) (any, error) {
		t.Cancel()
		out.Reject(err)
		return nil, nil
	})
	return out
}
