// Package promise provides a minimal single-threaded promise whose
// continuations always run through a scheduler, never inline.
package promise

import "errors"

// ErrNilReason replaces a nil error passed to Reject.
var ErrNilReason = errors.New("promise: rejected without a reason")

// Scheduler runs callbacks on a later tick of an event loop.
type Scheduler interface {
	NextTick(cb func())
}

// Promise is an eventual value. Each continuation runs at most once, on a
// later tick than the one that registered or settled it.
type Promise interface {
	Then(onFulfilled func(any) (any, error), onRejected func(error) (any, error)) Promise
}

// State of a Deferred.
type State int

const (
	StatePending State = iota
	StateFulfilled
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type handler struct {
	next        *Deferred
	onFulfilled func(any) (any, error)
	onRejected  func(error) (any, error)
}

// Deferred is a Promise settled by its owner through Resolve or Reject.
type Deferred struct {
	s        Scheduler
	state    State
	locked   bool // resolved with another promise, waiting on it
	value    any
	err      error
	handlers []handler
}

// New creates a pending Deferred scheduled on s.
func New(s Scheduler) *Deferred {
	return &Deferred{s: s}
}

// Resolved returns a promise already fulfilled with v.
func Resolved(s Scheduler, v any) *Deferred {
	d := New(s)
	d.Resolve(v)
	return d
}

// Rejected returns a promise already rejected with err.
func Rejected(s Scheduler, err error) *Deferred {
	d := New(s)
	d.Reject(err)
	return d
}

// State returns the current state.
func (d *Deferred) State() State { return d.state }

// Value returns the fulfilled value, nil otherwise.
func (d *Deferred) Value() any { return d.value }

// Err returns the rejection reason, nil otherwise.
func (d *Deferred) Err() error { return d.err }

// Resolve fulfills the promise with v, or follows v if it is itself a
// Promise. It reports false if the promise was already settled.
func (d *Deferred) Resolve(v any) bool {
	if d.state != StatePending || d.locked {
		return false
	}
	if p, ok := v.(Promise); ok {
		if p == Promise(d) {
			d.settle(StateRejected, nil, errors.New("promise: resolved with itself"))
			return true
		}
		d.locked = true
		p.Then(func(x any) (any, error) {
			d.settle(StateFulfilled, x, nil)
			return nil, nil
		}, func(err error) (any, error) {
			d.settle(StateRejected, nil, err)
			return nil, nil
		})
		return true
	}
	d.settle(StateFulfilled, v, nil)
	return true
}

// Reject rejects the promise with err. It reports false if the promise was
// already settled.
func (d *Deferred) Reject(err error) bool {
	if d.state != StatePending || d.locked {
		return false
	}
	if err == nil {
		err = ErrNilReason
	}
	d.settle(StateRejected, nil, err)
	return true
}

func (d *Deferred) settle(state State, v any, err error) {
	if d.state != StatePending {
		return
	}
	d.state, d.value, d.err = state, v, err
	hs := d.handlers
	d.handlers = nil
	for _, h := range hs {
		d.schedule(h)
	}
}

// Then registers continuations. A nil continuation passes the outcome through
// to the returned promise.
func (d *Deferred) Then(onFulfilled func(any) (any, error), onRejected func(error) (any, error)) Promise {
	h := handler{next: New(d.s), onFulfilled: onFulfilled, onRejected: onRejected}
	if d.state == StatePending {
		d.handlers = append(d.handlers, h)
	} else {
		d.schedule(h)
	}
	return h.next
}

func (d *Deferred) schedule(h handler) {
	d.s.NextTick(func() { d.run(h) })
}

func (d *Deferred) run(h handler) {
	var (
		v   any
		err error
	)
	switch d.state {
	case StateFulfilled:
		if h.onFulfilled == nil {
			h.next.Resolve(d.value)
			return
		}
		v, err = h.onFulfilled(d.value)
	case StateRejected:
		if h.onRejected == nil {
			h.next.Reject(d.err)
			return
		}
		v, err = h.onRejected(d.err)
	}
	if err != nil {
		h.next.Reject(err)
		return
	}
	h.next.Resolve(v)
}
