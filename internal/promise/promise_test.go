package promise

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueScheduler collects callbacks until flushed, like a loop's next-tick queue.
type queueScheduler struct {
	q []func()
}

func (s *queueScheduler) NextTick(cb func()) { s.q = append(s.q, cb) }

// flush runs everything queued so far and reports how many callbacks ran.
func (s *queueScheduler) flush() int {
	batch := s.q
	s.q = nil
	for _, cb := range batch {
		cb()
	}
	return len(batch)
}

// settle flushes until nothing is left.
func (s *queueScheduler) settle() {
	for s.flush() > 0 {
	}
}

func TestDeferred_ContinuationNeverInline(t *testing.T) {
	s := &queueScheduler{}
	called := false
	Resolved(s, 5).Then(func(v any) (any, error) {
		called = true
		assert.Equal(t, 5, v)
		return nil, nil
	}, nil)

	assert.False(t, called)
	s.flush()
	assert.True(t, called)
}

func TestDeferred_SettlesOnce(t *testing.T) {
	s := &queueScheduler{}
	d := New(s)
	assert.Equal(t, StatePending, d.State())

	assert.True(t, d.Resolve(1))
	assert.False(t, d.Resolve(2))
	assert.False(t, d.Reject(errors.New("late")))
	assert.Equal(t, StateFulfilled, d.State())
	assert.Equal(t, 1, d.Value())
	assert.NoError(t, d.Err())
}

func TestDeferred_HandlersRunOnceInOrder(t *testing.T) {
	s := &queueScheduler{}
	d := New(s)

	var got []string
	d.Then(func(any) (any, error) {
		got = append(got, "first")
		return nil, nil
	}, nil)
	d.Then(func(any) (any, error) {
		got = append(got, "second")
		return nil, nil
	}, nil)

	assert.Equal(t, 0, s.flush())
	d.Resolve("x")
	d.Resolve("y")
	s.settle()
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestDeferred_Chain(t *testing.T) {
	s := &queueScheduler{}
	boom := errors.New("boom")

	d := New(s)
	out := d.Then(func(v any) (any, error) {
		return v.(int) * 2, nil
	}, nil).Then(func(v any) (any, error) {
		return nil, boom
	}, nil).Then(nil, func(err error) (any, error) {
		assert.ErrorIs(t, err, boom)
		return "recovered", nil
	})

	d.Resolve(21)
	s.settle()

	res := out.(*Deferred)
	assert.Equal(t, StateFulfilled, res.State())
	assert.Equal(t, "recovered", res.Value())
}

func TestDeferred_NilHandlersPassThrough(t *testing.T) {
	s := &queueScheduler{}
	boom := errors.New("boom")

	ok := Resolved(s, "v").Then(nil, nil).(*Deferred)
	bad := Rejected(s, boom).Then(func(any) (any, error) {
		t.Error("fulfilled handler ran for a rejection")
		return nil, nil
	}, nil).(*Deferred)
	s.settle()

	assert.Equal(t, "v", ok.Value())
	assert.Equal(t, StateRejected, bad.State())
	assert.ErrorIs(t, bad.Err(), boom)
}

func TestDeferred_AdoptsPromise(t *testing.T) {
	s := &queueScheduler{}
	inner := New(s)
	outer := New(s)

	require.True(t, outer.Resolve(inner))
	assert.False(t, outer.Resolve("other"), "a following promise is locked")
	assert.Equal(t, StatePending, outer.State())

	inner.Resolve(7)
	s.settle()
	assert.Equal(t, StateFulfilled, outer.State())
	assert.Equal(t, 7, outer.Value())
}

func TestDeferred_AdoptsRejection(t *testing.T) {
	s := &queueScheduler{}
	boom := errors.New("boom")
	outer := New(s)
	outer.Resolve(Rejected(s, boom))
	s.settle()
	assert.ErrorIs(t, outer.Err(), boom)
}

func TestDeferred_SelfResolutionRejects(t *testing.T) {
	s := &queueScheduler{}
	d := New(s)
	d.Resolve(d)
	assert.Equal(t, StateRejected, d.State())
	assert.Error(t, d.Err())
}

func TestDeferred_RejectNil(t *testing.T) {
	d := Rejected(&queueScheduler{}, nil)
	assert.ErrorIs(t, d.Err(), ErrNilReason)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "fulfilled", StateFulfilled.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "unknown", State(9).String())
}
