// internal/loop/clock.go

package loop

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic microsecond time source.
type Clock interface {
	Now() int64
}

// MonotonicClock reports microseconds elapsed since it was created.
// time.Since uses the runtime monotonic reading, so wall clock steps do not
// move it backwards.
type MonotonicClock struct {
	anchor time.Time
}

// NewMonotonicClock anchors a clock at the current instant.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{anchor: time.Now()}
}

// Now returns the microseconds elapsed since the anchor.
func (c *MonotonicClock) Now() int64 {
	return time.Since(c.anchor).Microseconds()
}

// ManualClock only moves when told to. Used to drive timers deterministically.
type ManualClock struct {
	us atomic.Int64
}

// NewManualClock creates a clock starting at the given microsecond value.
func NewManualClock(start int64) *ManualClock {
	c := &ManualClock{}
	c.us.Store(start)
	return c
}

func (c *ManualClock) Now() int64 { return c.us.Load() }

// Set moves the clock to an absolute value.
func (c *ManualClock) Set(us int64) { c.us.Store(us) }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) { c.us.Add(d.Microseconds()) }
