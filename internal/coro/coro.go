// Package coro drives suspendable tasks on an event loop.
//
// A task body runs on its own goroutine but only while the loop is waiting
// for it: every resume hands control to the task and blocks until the task
// awaits again or finishes, so task code and loop callbacks never overlap.
// Resumption is always scheduled through the loop's next-tick queue, never
// made from inside the call that settled the awaited promise.
package coro

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"evloop/internal/promise"
)

// ErrAborted is the rejection reason when a task body exits its goroutine
// without returning, e.g. through runtime.Goexit, or when its scheduler shut
// down before the task could start.
var ErrAborted = errors.New("coro: task exited without returning")

// closer is implemented by schedulers that can shut down, such as
// *loop.Loop. Suspended tasks are released when Done is closed.
type closer interface {
	Done() <-chan struct{}
}

// Task is the body of a coroutine. It suspends by calling co.Await.
type Task func(co *Co) (any, error)

// PanicError carries a panic raised inside a task body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("coro: task panicked: %v", e.Value)
}

type outcome struct {
	v   any
	err error
}

type yieldMsg struct {
	awaited promise.Promise
	done    bool
	v       any
	err     error
}

// Co is the execution context handed to a Task.
type Co struct {
	s      promise.Scheduler
	resume chan outcome
	yield  chan yieldMsg
	done   <-chan struct{} // nil when the scheduler never shuts down
}

// Scheduler returns the scheduler the coroutine runs on.
func (co *Co) Scheduler() promise.Scheduler { return co.s }

// Await suspends the task until v settles. Values that are not promises are
// treated as already fulfilled, but the task still resumes on a later tick.
// Must only be called from the task body.
//
// If the scheduler shuts down while the task is suspended, Await does not
// return: the task goroutine exits through runtime.Goexit, running the body's
// deferred calls.
func (co *Co) Await(v any) (any, error) {
	p, ok := v.(promise.Promise)
	if !ok {
		p = promise.Resolved(co.s, v)
	}
	co.yield <- yieldMsg{awaited: p}
	select {
	case r := <-co.resume:
		return r.v, r.err
	case <-co.done:
		runtime.Goexit()
		panic("unreachable")
	}
}

// Async starts fn on the next tick of s and returns a promise for its result.
// A returned error rejects the promise; a panic rejects it with *PanicError.
func Async(s promise.Scheduler, fn Task) promise.Promise {
	out := promise.New(s)
	co := &Co{
		s:      s,
		resume: make(chan outcome),
		yield:  make(chan yieldMsg),
	}
	if c, ok := s.(closer); ok {
		co.done = c.Done()
	}

	started := false
	var next outcome
	var step func()
	step = func() {
		switch {
		case co.shutDown():
			if !started {
				out.Reject(ErrAborted)
			}
			return
		case !started:
			started = true
			go co.run(fn)
		default:
			select {
			case co.resume <- next:
			case <-co.done:
				return
			}
		}

		var msg yieldMsg
		select {
		case msg = <-co.yield:
		case <-co.done:
			return
		}
		if msg.done {
			if msg.err != nil {
				out.Reject(msg.err)
			} else {
				out.Resolve(msg.v)
			}
			return
		}

		// run the next step when the awaited value settles
		msg.awaited.Then(func(v any) (any, error) {
			next = outcome{v: v}
			s.NextTick(step)
			return nil, nil
		}, func(err error) (any, error) {
			next = outcome{err: err}
			s.NextTick(step)
			return nil, nil
		})
	}

	s.NextTick(step)
	return out
}

func (co *Co) shutDown() bool {
	select {
	case <-co.done:
		return true
	default:
		return false
	}
}

func (co *Co) run(fn Task) {
	var (
		msg      yieldMsg
		returned bool
	)
	defer func() {
		if r := recover(); r != nil {
			msg = yieldMsg{done: true, err: &PanicError{Value: r, Stack: debug.Stack()}}
		} else if !returned {
			msg = yieldMsg{done: true, err: ErrAborted}
		}
		select {
		case co.yield <- msg:
		case <-co.done:
		}
	}()

	v, err := fn(co)
	returned = true
	msg = yieldMsg{done: true, v: v, err: err}
}
