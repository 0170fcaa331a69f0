package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"evloop/internal/coro"
	"evloop/internal/job"
	"evloop/internal/loop"
)

// runOptions holds flags for the run command.
type runOptions struct {
	*rootOptions
	Heartbeat time.Duration
	Beats     int
	Echo      bool
	Watch     []string
	TraceCSV  string
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the event loop until interrupted or out of work",
		Long: `Run a loop with a periodic heartbeat, an optional stdin echo and
optional file watches. SIGINT or SIGTERM stops the loop after the current tick.

Example:
  evloop run --heartbeat 500ms --beats 10
  evloop run --echo --watch /tmp --trace trace.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd.Context(), opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Heartbeat, "heartbeat", time.Second, "heartbeat interval (0 disables)")
	cmd.Flags().IntVar(&opts.Beats, "beats", 0, "stop the heartbeat after this many beats (0 = forever)")
	cmd.Flags().BoolVar(&opts.Echo, "echo", false, "echo lines read from stdin")
	cmd.Flags().StringArrayVar(&opts.Watch, "watch", nil, "path to watch for changes (repeatable)")
	cmd.Flags().StringVar(&opts.TraceCSV, "trace", "", "write loop trace events to this CSV file")

	return cmd
}

func runLoop(ctx context.Context, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := loop.Load(opts.ConfigPath)
	if opts.TraceCSV != "" {
		cfg.TraceCSV = opts.TraceCSV
	}
	level := cfg.Level()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	l, err := loop.New(cfg, loop.WithLogger(logger))
	if err != nil {
		return err
	}
	defer l.Close()

	// stop on SIGINT / SIGTERM; both sources share the loop's signal registry
	for _, sig := range []os.Signal{syscall.SIGINT, syscall.SIGTERM} {
		if _, err := l.AttachSource(loop.NewSignalSource(sig), func(ev loop.Event) {
			logger.Info("signal received, stopping", "signal", ev.Signal, "count", ev.Count)
			l.Stop()
		}); err != nil {
			return err
		}
	}

	if opts.Heartbeat > 0 {
		// a bounded heartbeat with nothing else to serve ends the run
		bounded := opts.Beats > 0 && !opts.Echo && len(opts.Watch) == 0
		startHeartbeat(l, logger, opts.Heartbeat, opts.Beats, func() {
			if bounded {
				l.Stop()
			}
		})
	}

	if opts.Echo {
		if err := startEcho(l, logger); err != nil {
			return err
		}
	}

	if len(opts.Watch) > 0 {
		fs, err := loop.NewFileSource(time.Duration(cfg.FilePollMS)*time.Millisecond, opts.Watch...)
		if err != nil {
			return err
		}
		defer fs.Close()
		if _, err := l.AttachSource(fs, func(ev loop.Event) {
			if ev.Err != nil {
				logger.Warn("watch error", "err", ev.Err)
				return
			}
			logger.Info("file changed", "path", ev.File.Name, "op", ev.File.Op.String())
		}); err != nil {
			return err
		}
	}

	return l.Run(ctx)
}

// startHeartbeat runs a coroutine that sleeps between beats.
func startHeartbeat(l *loop.Loop, logger *slog.Logger, every time.Duration, beats int, finished func()) {
	done := coro.Async(l, func(co *coro.Co) (any, error) {
		for n := 1; beats == 0 || n <= beats; n++ {
			at, err := co.Await(job.Sleep(l, every))
			if err != nil {
				return n - 1, err
			}
			logger.Info("heartbeat", "beat", n, "loop_time_us", at, "tick", l.TickCount())
		}
		return beats, nil
	})
	done.Then(func(v any) (any, error) {
		logger.Info("heartbeat finished", "beats", v)
		finished()
		return nil, nil
	}, func(err error) (any, error) {
		logger.Error("heartbeat failed", "err", err)
		finished()
		return nil, nil
	})
}

// startEcho echoes stdin line chunks until EOF.
func startEcho(l *loop.Loop, logger *slog.Logger) error {
	streams := loop.NewStreamSource()
	buf := make([]byte, 4096)
	streams.Watch(0, loop.Readable, func(ev loop.Event) {
		n, err := unix.Read(ev.Fd, buf)
		if errors.Is(err, unix.EAGAIN) {
			streams.Watch(ev.Fd, loop.Readable, nil)
			return
		}
		if n <= 0 || err != nil {
			logger.Info("stdin closed", "err", err)
			streams.Unwatch(ev.Fd, loop.Readable)
			return
		}
		_, _ = os.Stdout.Write(buf[:n])
		streams.Watch(ev.Fd, loop.Readable, nil) // re-arm for the next chunk
	})
	_, err := l.AttachSource(streams, func(loop.Event) {})
	return err
}
