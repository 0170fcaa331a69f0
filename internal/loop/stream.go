package loop

import (
	"time"

	"github.com/emirpasic/gods/maps/treemap"
)

// watch is the registration of one handle in a StreamSource. Each mode has
// its own callback and is armed separately.
type watch struct {
	fd      int
	mode    Readiness // Readable and/or Writable
	armed   Readiness // modes still waiting for readiness
	onRead  Callback
	onWrite Callback
	ready   Readiness
	invalid bool
}

// StreamSource multiplexes many handles onto the loop's single readiness wait.
//
// Readiness is one-shot per mode: once a mode is reported ready it is
// disarmed until Watch is called for it again, so every readiness event is
// dispatched once. Reading and writing on one handle are independent.
type StreamSource struct {
	watches *treemap.Map // fd -> *watch
}

// NewStreamSource creates an empty stream source.
func NewStreamSource() *StreamSource {
	return &StreamSource{watches: treemap.NewWithIntComparator()}
}

// Watch registers interest in mode on fd and arms it. cb may be nil, in which
// case the source's attach callback receives the event. Calling Watch on a
// registered fd adds the mode, replaces that mode's callback when cb is not
// nil, and re-arms only the given mode.
func (s *StreamSource) Watch(fd int, mode Readiness, cb Callback) {
	mode &= Readable | Writable
	if mode == 0 {
		return
	}
	var w *watch
	if v, ok := s.watches.Get(fd); ok {
		w = v.(*watch)
	} else {
		w = &watch{fd: fd}
		s.watches.Put(fd, w)
	}
	w.mode |= mode
	w.armed |= mode
	if mode&Readable != 0 && cb != nil {
		w.onRead = cb
	}
	if mode&Writable != 0 && cb != nil {
		w.onWrite = cb
	}
}

// Unwatch drops mode from fd's interest; the handle is removed once no mode
// remains.
func (s *StreamSource) Unwatch(fd int, mode Readiness) {
	v, ok := s.watches.Get(fd)
	if !ok {
		return
	}
	w := v.(*watch)
	w.mode &^= mode
	w.armed &^= mode
	w.ready &= w.mode | Hangup
	if mode&Readable != 0 {
		w.onRead = nil
	}
	if mode&Writable != 0 {
		w.onWrite = nil
	}
	if w.mode == 0 {
		s.watches.Remove(fd)
	}
}

// Watching reports whether fd is registered.
func (s *StreamSource) Watching(fd int) bool {
	_, ok := s.watches.Get(fd)
	return ok
}

// Interest returns the modes registered for fd.
func (s *StreamSource) Interest(fd int) Readiness {
	if v, ok := s.watches.Get(fd); ok {
		return v.(*watch).mode
	}
	return 0
}

// Active reports whether any handle is registered.
func (s *StreamSource) Active() bool { return !s.watches.Empty() }

// Len returns the number of registered handles.
func (s *StreamSource) Len() int { return s.watches.Size() }

func (s *StreamSource) Prepare(l *Loop) time.Duration {
	if s.Active() {
		return 0
	}
	return Unbounded
}

func (s *StreamSource) Check(l *Loop) bool {
	it := s.watches.Iterator()
	for it.Next() {
		w := it.Value().(*watch)
		if w.ready != 0 || w.invalid {
			return true
		}
	}
	return false
}

// Dispatch runs the callbacks of every ready handle in fd order, reading
// before writing. Handles that are no longer valid are dropped without a
// callback, and a handle closed by its own callback is dropped afterwards.
func (s *StreamSource) Dispatch(l *Loop, cb Callback) bool {
	var ready []*watch
	it := s.watches.Iterator()
	for it.Next() {
		w := it.Value().(*watch)
		if w.ready != 0 || w.invalid {
			ready = append(ready, w)
		}
	}

	for _, w := range ready {
		if !s.current(w) {
			continue // unwatched by an earlier callback
		}
		if w.invalid || !fdValid(w.fd) {
			s.watches.Remove(w.fd)
			continue
		}
		got := w.ready
		w.ready = 0

		for _, m := range [...]Readiness{Readable, Writable} {
			if got&(m|Hangup) == 0 || w.mode&m == 0 || !s.current(w) {
				continue
			}
			fire := w.onRead
			if m == Writable {
				fire = w.onWrite
			}
			if fire == nil {
				fire = cb
			}
			fire(Event{Source: s, Time: l.CurrentTime(), Fd: w.fd, Ready: got & (m | Hangup)})

			if !fdValid(w.fd) {
				if s.current(w) {
					s.watches.Remove(w.fd)
				}
				break
			}
		}
	}
	return s.Active()
}

// current reports whether w is still the registration for its fd.
func (s *StreamSource) current(w *watch) bool {
	cur, ok := s.watches.Get(w.fd)
	return ok && cur.(*watch) == w
}

// interest appends every handle with an armed mode to buf.
func (s *StreamSource) interest(buf []pollFd) []pollFd {
	it := s.watches.Iterator()
	for it.Next() {
		w := it.Value().(*watch)
		if want := w.armed & w.mode; want != 0 {
			buf = append(buf, pollFd{fd: w.fd, want: want})
		}
	}
	return buf
}

// observe records the wait results for the handles returned by interest and
// disarms the modes that fired. A hangup disarms every mode.
func (s *StreamSource) observe(fds []pollFd) {
	for _, f := range fds {
		v, ok := s.watches.Get(f.fd)
		if !ok {
			continue
		}
		w := v.(*watch)
		switch {
		case f.invalid:
			w.invalid = true
			w.armed = 0
		case f.got&Hangup != 0:
			w.ready |= f.got
			w.armed = 0
		case f.got != 0:
			fired := f.got & f.want
			w.ready |= fired
			w.armed &^= fired
		}
	}
}
