package loop

import (
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
)

// Timer is one entry in a TimerSource.
type Timer struct {
	wakeupAt  int64 // microseconds
	interval  int64 // microseconds
	periodic  bool
	seq       uint64
	cancelled bool
	cb        Callback
	src       *TimerSource
}

// WakeupAt returns the next scheduled fire time in loop microseconds.
func (t *Timer) WakeupAt() int64 { return t.wakeupAt }

// Interval returns the timer's interval.
func (t *Timer) Interval() time.Duration { return time.Duration(t.interval) * time.Microsecond }

// Periodic reports whether the timer re-arms after firing.
func (t *Timer) Periodic() bool { return t.periodic }

// Cancel removes the timer. A cancelled timer never fires again, including
// from a dispatch already in progress.
func (t *Timer) Cancel() {
	if t.cancelled {
		return
	}
	t.cancelled = true
	t.src.live--
}

// Cancelled reports whether Cancel was called.
func (t *Timer) Cancelled() bool { return t.cancelled }

// TimerSource holds timers in a min-heap ordered by wakeup time, ties broken
// by scheduling order.
type TimerSource struct {
	heap *binaryheap.Heap
	seq  uint64
	live int
}

// NewTimerSource creates an empty timer source.
func NewTimerSource() *TimerSource {
	return &TimerSource{heap: binaryheap.NewWith(timerCmp)}
}

// timerCmp orders timers by (wakeupAt, seq).
func timerCmp(a, b any) int {
	ta, tb := a.(*Timer), b.(*Timer)
	switch {
	case ta.wakeupAt < tb.wakeupAt:
		return -1
	case ta.wakeupAt > tb.wakeupAt:
		return 1
	case ta.seq < tb.seq:
		return -1
	case ta.seq > tb.seq:
		return 1
	default:
		return 0
	}
}

// Schedule adds a timer firing at now+after. cb may be nil, in which case the
// source's attach callback receives the event.
func (s *TimerSource) Schedule(now int64, after time.Duration, periodic bool, cb Callback) *Timer {
	if after < 0 {
		after = 0
	}
	t := &Timer{
		wakeupAt: now + after.Microseconds(),
		interval: after.Microseconds(),
		periodic: periodic,
		cb:       cb,
		src:      s,
	}
	s.push(t)
	s.live++
	return t
}

func (s *TimerSource) push(t *Timer) {
	s.seq++
	t.seq = s.seq
	s.heap.Push(t)
}

// Len returns the number of live timers.
func (s *TimerSource) Len() int { return s.live }

// earliest returns the first live timer, discarding cancelled ones at the top.
func (s *TimerSource) earliest() *Timer {
	for {
		v, ok := s.heap.Peek()
		if !ok {
			return nil
		}
		t := v.(*Timer)
		if !t.cancelled {
			return t
		}
		s.heap.Pop()
	}
}

// Prepare returns the time left until the earliest timer. A source whose
// timers were all cancelled asks for no blocking so that it can detach.
func (s *TimerSource) Prepare(l *Loop) time.Duration {
	t := s.earliest()
	if t == nil {
		return 0
	}
	wait := t.wakeupAt - l.CurrentTime()
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait) * time.Microsecond
}

func (s *TimerSource) Check(l *Loop) bool {
	t := s.earliest()
	return t == nil || l.CurrentTime() >= t.wakeupAt
}

// Dispatch fires every timer due at the loop's current time, in order.
// Periodic timers advance by whole intervals from their previous wakeup; if
// several intervals were missed they fire once and skip to the next future
// slot on the same grid.
func (s *TimerSource) Dispatch(l *Loop, cb Callback) bool {
	now := l.CurrentTime()
	limit := s.seq // timers scheduled by callbacks wait for the next dispatch
	var rearm []*Timer
	for {
		t := s.earliest()
		if t == nil || t.wakeupAt > now || t.seq > limit {
			break
		}
		s.heap.Pop()

		fire := t.cb
		if fire == nil {
			fire = cb
		}
		if !t.periodic {
			t.cancelled = true
			s.live--
		}
		fire(Event{Source: s, Time: now, Timer: t})

		if t.periodic && !t.cancelled {
			if t.interval <= 0 {
				t.wakeupAt = now + 1
			} else {
				t.wakeupAt += t.interval
				if t.wakeupAt <= now {
					missed := (now-t.wakeupAt)/t.interval + 1
					t.wakeupAt += missed * t.interval
				}
			}
			rearm = append(rearm, t)
		}
	}
	for _, t := range rearm {
		s.push(t)
	}
	return s.live > 0
}
