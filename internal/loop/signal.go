package loop

import (
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// SignalSource fires when its OS signal is delivered to the process.
type SignalSource struct {
	sig     syscall.Signal
	pending int
}

// NewSignalSource binds a source to sig.
func NewSignalSource(sig os.Signal) *SignalSource {
	s, _ := sig.(syscall.Signal)
	return &SignalSource{sig: s}
}

// Signal returns the bound signal.
func (s *SignalSource) Signal() os.Signal { return s.sig }

func (s *SignalSource) Prepare(*Loop) time.Duration { return Unbounded }

func (s *SignalSource) Check(*Loop) bool { return s.pending > 0 }

// Dispatch reports every delivery since the previous dispatch as one event.
// Nothing is reported when the deliveries were discarded by a detach.
func (s *SignalSource) Dispatch(l *Loop, cb Callback) bool {
	n := s.pending
	s.pending = 0
	if n == 0 {
		return true
	}
	cb(Event{Source: s, Time: l.CurrentTime(), Signal: s.sig, Count: n})
	return true
}

func (s *SignalSource) attached(l *Loop) error {
	if s.sig <= 0 || s.sig > 255 {
		return fmt.Errorf("loop: unsupported signal %v", s.sig)
	}
	l.signals.add(s)
	return nil
}

func (s *SignalSource) detached(l *Loop) {
	l.signals.remove(s)
	s.pending = 0
}

// notifier installs and removes process-level signal delivery.
type notifier interface {
	Notify(c chan<- os.Signal, sig os.Signal)
	Stop(c chan<- os.Signal)
}

type osNotifier struct{}

func (osNotifier) Notify(c chan<- os.Signal, sig os.Signal) { signal.Notify(c, sig) }

// Stop restores the default disposition once no other channel wants the signal.
func (osNotifier) Stop(c chan<- os.Signal) { signal.Stop(c) }

// signalRegistry reference counts signal registrations for one loop. The
// first source for a signal installs a single Notify channel, the last one
// removes it. Relays count deliveries per signal and only use the wake pipe
// as a doorbell, so a full pipe never loses a signal.
type signalRegistry struct {
	n       notifier
	buffer  int
	wake    func()
	chans   map[syscall.Signal]chan os.Signal
	sources map[syscall.Signal][]*SignalSource
	counts  [256]atomic.Uint32
	relays  sync.WaitGroup
}

func newSignalRegistry(n notifier, buffer int, wake func()) *signalRegistry {
	return &signalRegistry{
		n:       n,
		buffer:  buffer,
		wake:    wake,
		chans:   make(map[syscall.Signal]chan os.Signal),
		sources: make(map[syscall.Signal][]*SignalSource),
	}
}

// refs returns the number of sources registered for sig.
func (r *signalRegistry) refs(sig syscall.Signal) int { return len(r.sources[sig]) }

// installed reports whether a process-level registration exists for sig.
func (r *signalRegistry) installed(sig syscall.Signal) bool {
	_, ok := r.chans[sig]
	return ok
}

func (r *signalRegistry) add(s *SignalSource) {
	if r.refs(s.sig) == 0 {
		r.counts[s.sig].Store(0)
		ch := make(chan os.Signal, r.buffer)
		r.chans[s.sig] = ch
		r.n.Notify(ch, s.sig)
		r.relays.Add(1)
		go func() {
			defer r.relays.Done()
			relay(ch, r.note)
		}()
	}
	r.sources[s.sig] = append(r.sources[s.sig], s)
}

func (r *signalRegistry) remove(s *SignalSource) {
	list := r.sources[s.sig]
	for i, x := range list {
		if x == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) > 0 {
		r.sources[s.sig] = list
		return
	}
	delete(r.sources, s.sig)
	if ch, ok := r.chans[s.sig]; ok {
		r.n.Stop(ch)
		delete(r.chans, s.sig)
		close(ch) // no sends after Stop returns
	}
}

// note records one delivery of sig and rings the wake pipe. Safe to call
// from any goroutine.
func (r *signalRegistry) note(sig syscall.Signal) {
	if sig <= 0 || sig > 255 {
		return
	}
	r.counts[sig].Add(1)
	r.wake()
}

// collect moves the recorded deliveries onto the interested sources, in
// signal number order. Runs on the loop goroutine after the wake pipe is
// drained.
func (r *signalRegistry) collect(seen func(sig syscall.Signal, n uint32)) {
	sigs := make([]syscall.Signal, 0, len(r.chans))
	for sig := range r.chans {
		sigs = append(sigs, sig)
	}
	slices.Sort(sigs)
	for _, sig := range sigs {
		n := r.counts[sig].Swap(0)
		if n == 0 {
			continue
		}
		seen(sig, n)
		for _, s := range r.sources[sig] {
			s.pending += int(n)
		}
	}
}

// wait blocks until every relay goroutine has exited. Call after all sources
// are removed and before the wake pipe is closed.
func (r *signalRegistry) wait() { r.relays.Wait() }

// relay forwards deliveries from the Notify channel. It touches no loop state.
func relay(ch <-chan os.Signal, note func(syscall.Signal)) {
	for sig := range ch {
		if s, ok := sig.(syscall.Signal); ok {
			note(s)
		}
	}
}
