//go:build unix

// internal/loop/poller_unix.go
//
// Portable poll(2) backend. One call per tick covers every watched handle plus
// the loop's wake pipe.

package loop

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollFd is one entry of the shared wait: what the owner wants and, after the
// wait, what the kernel reported.
type pollFd struct {
	fd      int
	want    Readiness
	got     Readiness
	invalid bool
}

// poller performs the single readiness wait for a loop and owns its wake pipe.
type poller struct {
	raw   []unix.PollFd
	wakeR int
	wakeW int
}

func newPoller() (*poller, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, fmt.Errorf("wake pipe nonblock: %w", err)
		}
	}
	return &poller{wakeR: p[0], wakeW: p[1]}, nil
}

// wait blocks for at most timeout (negative = forever) and fills in got/invalid
// on fds. It reports whether the wake pipe became readable.
func (p *poller) wait(fds []pollFd, timeout time.Duration) (bool, error) {
	p.raw = p.raw[:0]
	p.raw = append(p.raw, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	for _, f := range fds {
		var ev int16
		if f.want&Readable != 0 {
			ev |= unix.POLLIN
		}
		if f.want&Writable != 0 {
			ev |= unix.POLLOUT
		}
		p.raw = append(p.raw, unix.PollFd{Fd: int32(f.fd), Events: ev})
	}

	ms := -1
	if timeout >= 0 {
		// round up so a wait never returns before a timer is due
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	_, err := unix.Poll(p.raw, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil // interrupted by signal, normal
		}
		return false, fmt.Errorf("poll: %w", err)
	}

	for i := range fds {
		re := p.raw[i+1].Revents
		var got Readiness
		if re&unix.POLLIN != 0 {
			got |= Readable
		}
		if re&unix.POLLOUT != 0 {
			got |= Writable
		}
		if re&(unix.POLLERR|unix.POLLHUP) != 0 {
			got |= Hangup
		}
		fds[i].got = got
		fds[i].invalid = re&unix.POLLNVAL != 0
	}
	return p.raw[0].Revents&unix.POLLIN != 0, nil
}

// wake writes one byte to the wake pipe. Safe to call from any goroutine.
// A full pipe already guarantees a wakeup, so EAGAIN is dropped; callers keep
// their own state and never encode data in the byte.
func (p *poller) wake() {
	buf := [1]byte{0}
	_, _ = unix.Write(p.wakeW, buf[:])
}

// drain empties the wake pipe.
func (p *poller) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *poller) close() error {
	err := unix.Close(p.wakeR)
	if err2 := unix.Close(p.wakeW); err == nil {
		err = err2
	}
	return err
}

// fdValid reports whether fd still refers to an open file description.
func fdValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return !errors.Is(err, unix.EBADF)
}
