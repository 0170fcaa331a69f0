package loop

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileSource reports file system changes on watched paths.
//
// fsnotify delivers on its own goroutine, so the source polls the watcher's
// channels from Prepare instead of joining the readiness wait.
type FileSource struct {
	w        *fsnotify.Watcher
	interval time.Duration
	events   []fsnotify.Event
	errs     []error
}

// NewFileSource watches paths and asks the loop to look for changes at least
// every interval.
func NewFileSource(interval time.Duration, paths ...string) (*FileSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &FileSource{w: w, interval: interval}, nil
}

// Add watches another path.
func (s *FileSource) Add(path string) error { return s.w.Add(path) }

// Remove stops watching path.
func (s *FileSource) Remove(path string) error { return s.w.Remove(path) }

// Close releases the watcher. Detach the source first.
func (s *FileSource) Close() error { return s.w.Close() }

// Prepare collects whatever the watcher has queued without blocking.
func (s *FileSource) Prepare(*Loop) time.Duration {
	for {
		select {
		case ev, ok := <-s.w.Events:
			if !ok {
				return s.budget()
			}
			s.events = append(s.events, ev)
		case err, ok := <-s.w.Errors:
			if !ok {
				return s.budget()
			}
			s.errs = append(s.errs, err)
		default:
			return s.budget()
		}
	}
}

func (s *FileSource) budget() time.Duration {
	if len(s.events)+len(s.errs) > 0 {
		return 0
	}
	return s.interval
}

func (s *FileSource) Check(*Loop) bool { return len(s.events)+len(s.errs) > 0 }

// Dispatch invokes cb once per buffered change, then once per watcher error.
func (s *FileSource) Dispatch(l *Loop, cb Callback) bool {
	events, errs := s.events, s.errs
	s.events, s.errs = nil, nil
	for _, ev := range events {
		cb(Event{Source: s, Time: l.CurrentTime(), File: ev})
	}
	for _, err := range errs {
		cb(Event{Source: s, Time: l.CurrentTime(), Err: err})
	}
	return true
}
