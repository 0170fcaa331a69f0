//go:build !unix

// internal/loop/poller_stub.go
//
// Stub implementation for platforms without poll(2).

package loop

import (
	"errors"
	"time"
)

type pollFd struct {
	fd      int
	want    Readiness
	got     Readiness
	invalid bool
}

type poller struct{}

func newPoller() (*poller, error) {
	return nil, errors.New("loop: this platform is not supported")
}

func (p *poller) wait([]pollFd, time.Duration) (bool, error) { return false, ErrClosed }
func (p *poller) wake()                                      {}
func (p *poller) drain()                                     {}
func (p *poller) close() error                               { return nil }

func fdValid(int) bool { return false }
