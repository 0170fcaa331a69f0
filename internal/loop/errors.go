package loop

import "errors"

// Standard errors.
var (
	ErrAlreadyRunning  = errors.New("loop: already running")
	ErrAlreadyAttached = errors.New("loop: source already attached")
	ErrNilCallback     = errors.New("loop: nil callback")
	ErrNilSource       = errors.New("loop: nil source")
	ErrClosed          = errors.New("loop: closed")
)
