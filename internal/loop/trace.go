// internal/loop/trace.go

package loop

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TraceKind represents the type of loop event
type TraceKind int

const (
	TraceAttach TraceKind = iota
	TraceDetach
	TraceReady
	TraceDispatch
	TraceIdle
	TraceBusy
	TraceSignal
	TraceStart
	TraceStop
)

// TraceEvent is emitted on key loop actions
type TraceEvent struct {
	Time   time.Time
	Tick   uint64
	Kind   TraceKind
	Seq    uint64    // attachment sequence, 0 when not about a source
	Source uuid.UUID // attachment id, zero when not about a source
	Detail string
}

func (k TraceKind) String() string {
	switch k {
	case TraceAttach:
		return "Attach"
	case TraceDetach:
		return "Detach"
	case TraceReady:
		return "Ready"
	case TraceDispatch:
		return "Dispatch"
	case TraceIdle:
		return "Idle"
	case TraceBusy:
		return "Busy"
	case TraceSignal:
		return "Signal"
	case TraceStart:
		return "Start"
	case TraceStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// csvTrace appends trace events to a CSV file.
type csvTrace struct {
	f *os.File
	w *csv.Writer
}

func openCSVTrace(path string) (*csvTrace, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)

	// write header
	_ = w.Write([]string{"timestamp", "tick", "event", "seq", "source", "detail"})
	w.Flush()
	return &csvTrace{f: f, w: w}, nil
}

func (c *csvTrace) write(ev TraceEvent) {
	src := ""
	if ev.Source != uuid.Nil {
		src = ev.Source.String()
	}
	_ = c.w.Write([]string{
		ev.Time.Format(time.RFC3339Nano),
		strconv.FormatUint(ev.Tick, 10),
		ev.Kind.String(),
		strconv.FormatUint(ev.Seq, 10),
		src,
		ev.Detail,
	})
	c.w.Flush()
}

func (c *csvTrace) close() error {
	c.w.Flush()
	return c.f.Close()
}
