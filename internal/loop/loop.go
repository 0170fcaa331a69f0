// internal/loop/loop.go

package loop

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
	"github.com/google/uuid"
)

// Attachment records a source attached to a loop together with its callback.
type Attachment struct {
	Seq uint64    // attach order, used for deterministic iteration
	ID  uuid.UUID // stable identity for logs and traces

	source   Source
	cb       Callback
	pending  bool // a dispatch is queued and has not run yet
	detached bool
}

// Source returns the attached source.
func (a *Attachment) Source() Source { return a.source }

// Option customizes a Loop.
type Option func(*Loop)

// WithClock replaces the monotonic clock.
func WithClock(c Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = lg
	}
}

// WithTrace registers a hook receiving every trace event.
func WithTrace(fn func(TraceEvent)) Option {
	return func(l *Loop) {
		l.trace = fn
	}
}

func withNotifier(n notifier) Option {
	return func(l *Loop) {
		l.notifier = n
	}
}

// Loop is a single-threaded reactor. All methods except the wakeups issued by
// its own signal relays must be called from the goroutine running the loop.
type Loop struct {
	clock   Clock
	now     int64 // cached per tick
	quantum time.Duration
	logger  *slog.Logger

	sources  *redblacktree.Tree // seq -> *Attachment
	bySource map[Source]*Attachment
	lastSeq  uint64

	nextTick   *taskQueue
	futureTick *taskQueue

	poller   *poller
	fds      []pollFd
	notifier notifier
	signals  *signalRegistry
	timers   *TimerSource

	running   bool
	inRun     bool // Run is on the stack; running false means Stop was requested
	idle      bool
	closed    bool
	done      chan struct{}
	tickCount uint64

	trace func(TraceEvent)
	csv   *csvTrace
}

// New creates a loop configured by cfg.
func New(cfg Config, opts ...Option) (*Loop, error) {
	cfg = cfg.clamp()

	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		quantum:    time.Duration(cfg.TickQuantumUS) * time.Microsecond,
		sources:    redblacktree.NewWith(utils.UInt64Comparator),
		bySource:   make(map[Source]*Attachment),
		nextTick:   newTaskQueue(),
		futureTick: newTaskQueue(),
		poller:     p,
		idle:       true,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = NewMonotonicClock()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.notifier == nil {
		l.notifier = osNotifier{}
	}
	l.signals = newSignalRegistry(l.notifier, cfg.SignalBuffer, p.wake)

	if cfg.TraceCSV != "" {
		if err := l.EnableCSVTrace(cfg.TraceCSV); err != nil {
			_ = p.close()
			return nil, err
		}
	}

	l.now = l.clock.Now()
	return l, nil
}

// EnableCSVTrace opens the given file path for CSV export of trace events.
func (l *Loop) EnableCSVTrace(path string) error {
	c, err := openCSVTrace(path)
	if err != nil {
		return fmt.Errorf("csv trace: %w", err)
	}
	if l.csv != nil {
		_ = l.csv.close()
	}
	l.csv = c
	return nil
}

// AttachSource adds src to the loop. cb is passed to every Dispatch.
// Sources are identified by value, so implementations should be pointers.
func (l *Loop) AttachSource(src Source, cb Callback) (*Attachment, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if src == nil {
		return nil, ErrNilSource
	}
	if cb == nil {
		return nil, ErrNilCallback
	}
	if _, dup := l.bySource[src]; dup {
		return nil, ErrAlreadyAttached
	}
	if lc, ok := src.(lifecycle); ok {
		if err := lc.attached(l); err != nil {
			return nil, err
		}
	}

	l.lastSeq++
	a := &Attachment{Seq: l.lastSeq, ID: uuid.New(), source: src, cb: cb}
	l.sources.Put(a.Seq, a)
	l.bySource[src] = a

	l.logger.Debug("source attached", "tick", l.tickCount, "seq", a.Seq, "source", a.ID, "type", fmt.Sprintf("%T", src))
	l.emit(TraceAttach, a, fmt.Sprintf("%T", src))
	return a, nil
}

// DetachSource removes src. A dispatch already queued for it still runs.
func (l *Loop) DetachSource(src Source) bool {
	a, ok := l.bySource[src]
	if !ok {
		return false
	}
	l.detach(a)
	return true
}

func (l *Loop) detach(a *Attachment) {
	delete(l.bySource, a.source)
	l.sources.Remove(a.Seq)
	a.detached = true
	if lc, ok := a.source.(lifecycle); ok {
		lc.detached(l)
	}
	l.logger.Debug("source detached", "tick", l.tickCount, "seq", a.Seq, "source", a.ID)
	l.emit(TraceDetach, a, "")
}

// Attached reports whether src is currently attached.
func (l *Loop) Attached(src Source) bool {
	_, ok := l.bySource[src]
	return ok
}

// SourceCount returns the number of attached sources.
func (l *Loop) SourceCount() int { return l.sources.Size() }

// NextTick queues cb to run at the start of the next tick, before any wait.
func (l *Loop) NextTick(cb func()) {
	l.nextTick.push(cb)
	l.setIdle(false)
}

// FutureTick queues cb on the future-tick queue; one such callback runs per tick.
func (l *Loop) FutureTick(cb func()) {
	l.futureTick.push(cb)
	l.setIdle(false)
}

// AddTimer schedules cb once after d using the loop's shared timer source.
func (l *Loop) AddTimer(d time.Duration, cb Callback) *Timer {
	return l.addTimer(d, false, cb)
}

// AddPeriodicTimer schedules cb every interval.
func (l *Loop) AddPeriodicTimer(interval time.Duration, cb Callback) *Timer {
	return l.addTimer(interval, true, cb)
}

func (l *Loop) addTimer(d time.Duration, periodic bool, cb Callback) *Timer {
	if l.timers == nil {
		l.timers = NewTimerSource()
	}
	t := l.timers.Schedule(l.now, d, periodic, cb)
	if !l.Attached(l.timers) {
		// each timer carries its own callback
		if _, err := l.AttachSource(l.timers, func(Event) {}); err != nil {
			l.logger.Error("timer source attach failed", "tick", l.tickCount, "err", err)
		}
	}
	return t
}

// IsRunning reports whether Run is active and Stop has not been called.
func (l *Loop) IsRunning() bool { return l.running }

// IsIdle reports whether both task queues are empty.
func (l *Loop) IsIdle() bool { return l.idle }

// TickCount returns the number of ticks executed. It is never reset.
func (l *Loop) TickCount() uint64 { return l.tickCount }

// CurrentTime returns the loop time in microseconds, sampled once per tick and
// again after the wait.
func (l *Loop) CurrentTime() int64 { return l.now }

// Done returns a channel that is closed by Close. Tasks suspended on the loop
// use it to give up instead of waiting forever.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Logger returns the loop's logger.
func (l *Loop) Logger() *slog.Logger { return l.logger }

// Tick runs one iteration: all queued next-tick callbacks, at most one
// future-tick callback, then the wait and source checks. Panics raised by
// callbacks propagate to the caller.
func (l *Loop) Tick(mayBlock bool) {
	// invoke all callbacks scheduled for this tick
	l.nextTick.drain(l.nextTick.len(), func(cb Task) { cb() })

	// invoke the next future tick callback
	l.futureTick.drain(1, func(cb Task) { cb() })

	l.setIdle(l.nextTick.len() == 0 && l.futureTick.len() == 0)

	l.now = l.clock.Now()
	if !l.closed && l.sources.Size() > 0 {
		l.poll(mayBlock)
	}

	l.tickCount++
}

// poll prepares, waits and checks every attached source.
func (l *Loop) poll(mayBlock bool) {
	atts := l.attachments()

	budget := Unbounded
	for _, a := range atts {
		if a.pending {
			continue
		}
		if d := a.source.Prepare(l); d >= 0 && (budget < 0 || d < budget) {
			budget = d
		}
	}
	switch {
	case !mayBlock || !l.idle || (l.inRun && !l.running):
		// a Stop issued earlier in this tick must not leave it blocked
		budget = 0
	case budget >= 0 && budget < l.quantum:
		budget = l.quantum
	}

	type span struct {
		p      pollable
		lo, hi int
	}
	var spans []span
	l.fds = l.fds[:0]
	for _, a := range atts {
		if p, ok := a.source.(pollable); ok {
			lo := len(l.fds)
			l.fds = p.interest(l.fds)
			spans = append(spans, span{p: p, lo: lo, hi: len(l.fds)})
		}
	}

	if budget != 0 {
		l.logger.Debug("waiting for events", "tick", l.tickCount, "budget_us", budget.Microseconds(), "fds", len(l.fds))
	}
	woke, err := l.poller.wait(l.fds, budget)
	if err != nil {
		l.logger.Error("wait failed", "tick", l.tickCount, "err", err)
	}
	l.now = l.clock.Now()

	for _, s := range spans {
		s.p.observe(l.fds[s.lo:s.hi])
	}
	if woke {
		l.poller.drain()
		l.signals.collect(func(sig syscall.Signal, n uint32) {
			l.emit(TraceSignal, nil, fmt.Sprintf("%s x%d", sig, n))
		})
	}

	// now check all event sources to see if any have triggered since blocking
	for _, a := range atts {
		if a.pending || a.detached {
			continue
		}
		if a.source.Check(l) {
			a.pending = true
			l.emit(TraceReady, a, "")
			a := a
			l.FutureTick(func() { l.dispatch(a) })
		}
	}
}

func (l *Loop) dispatch(a *Attachment) {
	a.pending = false
	l.logger.Debug("dispatching source", "tick", l.tickCount, "seq", a.Seq, "source", a.ID)
	l.emit(TraceDispatch, a, "")
	if !a.source.Dispatch(l, a.cb) && !a.detached {
		l.detach(a)
	}
}

// attachments returns the attached sources in attach order.
func (l *Loop) attachments() []*Attachment {
	vals := l.sources.Values()
	out := make([]*Attachment, len(vals))
	for i, v := range vals {
		out[i] = v.(*Attachment)
	}
	return out
}

func (l *Loop) setIdle(idle bool) {
	if idle == l.idle {
		return
	}
	l.idle = idle
	if idle {
		l.logger.Debug("entered idle state", "tick", l.tickCount)
		l.emit(TraceIdle, nil, "")
	} else {
		l.logger.Debug("leaving idle state", "tick", l.tickCount)
		l.emit(TraceBusy, nil, "")
	}
}

// Run ticks until Stop is called, ctx is cancelled, or there is no deferred
// work and no attached source left. It returns ctx.Err() when cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l.closed {
		return ErrClosed
	}
	if l.running {
		return ErrAlreadyRunning
	}
	l.running, l.inRun = true, true
	defer func() { l.running, l.inRun = false, false }()

	// an indefinite wait must return once ctx is done
	woken := make(chan struct{})
	release := context.AfterFunc(ctx, func() {
		defer close(woken)
		l.poller.wake()
	})
	defer func() {
		// a wakeup already in flight must finish before Close may shut the pipe
		if !release() {
			<-woken
		}
	}()

	l.logger.Info("event loop started", "tick", l.tickCount)
	l.emit(TraceStart, nil, "")

	// run the event loop until instructed otherwise
	for l.running {
		if ctx.Err() != nil {
			l.Stop()
			break
		}

		// if we have no more work to do, stop wasting time
		if l.idle && l.sources.Size() == 0 {
			l.logger.Debug("nothing left to do", "tick", l.tickCount)
			l.Stop()
		}

		// execute a single tick
		l.Tick(true)
	}

	l.logger.Info("event loop stopped", "tick", l.tickCount)
	return ctx.Err()
}

// Stop makes Run return after the tick in progress completes.
func (l *Loop) Stop() {
	if l.running {
		l.logger.Debug("stopping event loop", "tick", l.tickCount)
		l.emit(TraceStop, nil, "")
	}
	l.running = false
}

// Close detaches every source, releasing signal registrations, and closes the
// wake pipe and CSV trace.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	for _, a := range l.attachments() {
		l.detach(a)
	}
	l.closed = true
	l.running = false
	close(l.done)
	l.signals.wait()

	err := l.poller.close()
	if l.csv != nil {
		if cerr := l.csv.close(); err == nil {
			err = cerr
		}
		l.csv = nil
	}
	return err
}

func (l *Loop) emit(kind TraceKind, a *Attachment, detail string) {
	if l.trace == nil && l.csv == nil {
		return
	}
	ev := TraceEvent{Time: time.Now(), Tick: l.tickCount, Kind: kind, Detail: detail}
	if a != nil {
		ev.Seq = a.Seq
		ev.Source = a.ID
	}
	if l.trace != nil {
		l.trace(ev)
	}
	if l.csv != nil {
		l.csv.write(ev)
	}
}
