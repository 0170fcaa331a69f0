//go:build unix

package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pipe returns both ends of a pipe, closed at cleanup unless closed earlier.
func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestStreamSource_ReadinessDispatchedOnce(t *testing.T) {
	l := newTestLoop(t)
	r, w := pipe(t)

	s := NewStreamSource()
	var got []Event
	s.Watch(r, Readable, func(ev Event) { got = append(got, ev) })
	_, err := l.AttachSource(s, func(Event) {})
	require.NoError(t, err)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	// the byte is never read, yet the handle is reported only once
	tickN(l, 5)
	require.Len(t, got, 1)
	assert.Equal(t, r, got[0].Fd)
	assert.Equal(t, Readable, got[0].Ready&Readable)
	assert.Same(t, s, got[0].Source)

	// watching again re-arms the handle
	s.Watch(r, Readable, nil)
	tickN(l, 5)
	assert.Len(t, got, 2)
}

func TestStreamSource_ReadAndWriteArmedSeparately(t *testing.T) {
	l := newTestLoop(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})

	s := NewStreamSource()
	reads, writes := 0, 0
	s.Watch(fds[0], Readable, func(ev Event) {
		assert.Equal(t, Readable, ev.Ready&Readable)
		reads++
	})
	s.Watch(fds[0], Writable, func(ev Event) {
		assert.Equal(t, Writable, ev.Ready&Writable)
		writes++
	})
	_, err = l.AttachSource(s, func(Event) { t.Error("fallback callback used") })
	require.NoError(t, err)

	tickN(l, 5)
	assert.Equal(t, 0, reads)
	assert.Equal(t, 1, writes)

	// the write event did not disarm reading
	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	tickN(l, 5)
	assert.Equal(t, 1, reads)
	assert.Equal(t, 1, writes)

	s.Unwatch(fds[0], Writable)
	assert.True(t, s.Watching(fds[0]))
	s.Unwatch(fds[0], Readable)
	assert.False(t, s.Watching(fds[0]))
}

func TestStreamSource_NotReadyNoDispatch(t *testing.T) {
	l := newTestLoop(t)
	r, _ := pipe(t)

	s := NewStreamSource()
	calls := 0
	s.Watch(r, Readable, func(Event) { calls++ })
	_, err := l.AttachSource(s, func(Event) {})
	require.NoError(t, err)

	tickN(l, 3)
	assert.Equal(t, 0, calls)
	assert.True(t, l.Attached(s))
}

func TestStreamSource_FdOrderAndFallbackCallback(t *testing.T) {
	l := newTestLoop(t)
	_, w1 := pipe(t)
	_, w2 := pipe(t)

	s := NewStreamSource()
	s.Watch(w2, Writable, nil)
	s.Watch(w1, Writable, nil)

	var fds []int
	_, err := l.AttachSource(s, func(ev Event) {
		assert.Equal(t, Writable, ev.Ready&Writable)
		fds = append(fds, ev.Fd)
	})
	require.NoError(t, err)

	tickN(l, 2)
	lo, hi := w1, w2
	if lo > hi {
		lo, hi = hi, lo
	}
	assert.Equal(t, []int{lo, hi}, fds)
}

func TestStreamSource_ClosedHandleDroppedSilently(t *testing.T) {
	l := newTestLoop(t)
	r, _ := pipe(t)

	s := NewStreamSource()
	calls := 0
	s.Watch(r, Readable, func(Event) { calls++ })
	_, err := l.AttachSource(s, func(Event) {})
	require.NoError(t, err)

	require.NoError(t, unix.Close(r))
	tickN(l, 2)

	assert.Equal(t, 0, calls)
	assert.False(t, s.Watching(r))
	assert.False(t, l.Attached(s))
}

func TestStreamSource_HandleClosedByCallbackRemoved(t *testing.T) {
	l := newTestLoop(t)
	r, w := pipe(t)
	_, keep := pipe(t)

	s := NewStreamSource()
	s.Watch(r, Readable, func(ev Event) {
		require.NoError(t, unix.Close(ev.Fd))
	})
	s.Watch(keep, Writable, func(Event) {})
	_, err := l.AttachSource(s, func(Event) {})
	require.NoError(t, err)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	tickN(l, 2)
	assert.False(t, s.Watching(r))
	assert.True(t, s.Watching(keep))
	assert.Equal(t, 1, s.Len())
}

func TestStreamSource_UnwatchAndPrepare(t *testing.T) {
	l := newTestLoop(t)
	r, w := pipe(t)

	s := NewStreamSource()
	assert.Equal(t, Unbounded, s.Prepare(l))
	assert.False(t, s.Active())

	s.Watch(r, Readable, func(Event) {})
	s.Watch(w, Writable, func(Event) {})
	assert.Zero(t, s.Prepare(l))
	assert.Equal(t, 2, s.Len())

	s.Unwatch(w, Writable)
	s.Unwatch(r, Writable) // not watched for writing, stays registered
	assert.True(t, s.Watching(r))
	assert.False(t, s.Watching(w))

	s.Unwatch(r, Readable)
	assert.False(t, s.Active())
}
