package coro

import (
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evloop/internal/loop"
	"evloop/internal/promise"
)

func newLoop(t *testing.T) *loop.Loop {
	t.Helper()
	cfg := loop.DefaultConfig()
	cfg.TickQuantumUS = 0
	l, err := loop.New(cfg, loop.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// tickUntil ticks l until p settles or limit ticks have run, and returns the
// number of ticks taken.
func tickUntil(t *testing.T, l *loop.Loop, p promise.Promise, limit int) int {
	t.Helper()
	d := p.(*promise.Deferred)
	for i := 1; i <= limit; i++ {
		l.Tick(false)
		if d.State() != promise.StatePending {
			return i
		}
	}
	t.Fatalf("promise still pending after %d ticks", limit)
	return 0
}

func TestAsync_AwaitPlainValueResumesLater(t *testing.T) {
	l := newLoop(t)

	p := Async(l, func(co *Co) (any, error) {
		v, err := co.Await(5)
		if err != nil {
			return nil, err
		}
		return v.(int) + 1, nil
	})
	d := p.(*promise.Deferred)
	assert.Equal(t, promise.StatePending, d.State())

	// the body starts on the first tick, but the awaited value is only
	// delivered on a later one
	l.Tick(false)
	assert.Equal(t, promise.StatePending, d.State())

	tickUntil(t, l, p, 10)
	assert.Equal(t, promise.StateFulfilled, d.State())
	assert.Equal(t, 6, d.Value())
}

func TestAsync_AwaitPendingPromise(t *testing.T) {
	l := newLoop(t)
	gate := promise.New(l)

	var steps []string
	p := Async(l, func(co *Co) (any, error) {
		steps = append(steps, "start")
		v, err := co.Await(gate)
		steps = append(steps, "resumed")
		return v, err
	})

	for i := 0; i < 3; i++ {
		l.Tick(false)
	}
	assert.Equal(t, []string{"start"}, steps)

	gate.Resolve("open")
	tickUntil(t, l, p, 10)
	assert.Equal(t, []string{"start", "resumed"}, steps)
	assert.Equal(t, "open", p.(*promise.Deferred).Value())
}

func TestAsync_AwaitRejection(t *testing.T) {
	l := newLoop(t)
	boom := errors.New("boom")

	p := Async(l, func(co *Co) (any, error) {
		_, err := co.Await(promise.Rejected(l, boom))
		assert.ErrorIs(t, err, boom)
		return "handled", nil
	})

	tickUntil(t, l, p, 10)
	assert.Equal(t, "handled", p.(*promise.Deferred).Value())
}

func TestAsync_ErrorRejects(t *testing.T) {
	l := newLoop(t)
	boom := errors.New("boom")

	p := Async(l, func(co *Co) (any, error) { return nil, boom })

	tickUntil(t, l, p, 5)
	assert.ErrorIs(t, p.(*promise.Deferred).Err(), boom)
}

func TestAsync_PanicRejects(t *testing.T) {
	l := newLoop(t)

	p := Async(l, func(co *Co) (any, error) { panic("kaboom") })

	tickUntil(t, l, p, 5)
	var pe *PanicError
	require.ErrorAs(t, p.(*promise.Deferred).Err(), &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Contains(t, pe.Error(), "kaboom")
}

func TestAsync_GoexitAborts(t *testing.T) {
	l := newLoop(t)

	p := Async(l, func(co *Co) (any, error) {
		runtime.Goexit()
		return nil, nil
	})

	tickUntil(t, l, p, 5)
	assert.ErrorIs(t, p.(*promise.Deferred).Err(), ErrAborted)
}

func TestAsync_TasksInterleave(t *testing.T) {
	l := newLoop(t)

	var trace []string
	body := func(name string) Task {
		return func(co *Co) (any, error) {
			for i := 0; i < 2; i++ {
				trace = append(trace, name)
				if _, err := co.Await(nil); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}
	}
	a := Async(l, body("a"))
	b := Async(l, body("b"))

	tickUntil(t, l, a, 20)
	tickUntil(t, l, b, 20)
	assert.Equal(t, []string{"a", "b", "a", "b"}, trace)
}

func TestCo_Scheduler(t *testing.T) {
	l := newLoop(t)

	var got promise.Scheduler
	p := Async(l, func(co *Co) (any, error) {
		got = co.Scheduler()
		return nil, nil
	})
	tickUntil(t, l, p, 5)
	assert.Same(t, l, got)
}

func TestAsync_CloseReleasesSuspendedTasks(t *testing.T) {
	before := runtime.NumGoroutine()
	l := newLoop(t)

	var cleaned atomic.Int32
	for i := 0; i < 10; i++ {
		Async(l, func(co *Co) (any, error) {
			defer cleaned.Add(1)
			return co.Await(promise.New(l))
		})
	}
	for i := 0; i < 5; i++ {
		l.Tick(false)
	}
	require.Greater(t, runtime.NumGoroutine(), before)

	require.NoError(t, l.Close())
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(10), cleaned.Load())
}

func TestAsync_StartAfterCloseAborts(t *testing.T) {
	l := newLoop(t)

	ran := false
	p := Async(l, func(co *Co) (any, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, l.Close())

	// drive the queued start by hand, as a tick would
	l.Tick(false)
	assert.False(t, ran)
	assert.ErrorIs(t, p.(*promise.Deferred).Err(), ErrAborted)
}
