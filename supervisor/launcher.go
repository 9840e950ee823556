package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/amiko-app/plugin-runtime/logging"
	"github.com/amiko-app/plugin-runtime/wire"
)

// Host is one live plugin host: a command sink plus an event source.
// Events is closed when the host's event stream ends; Done is closed once
// the host has fully terminated and Err is valid.
type Host interface {
	// Send delivers one command to the host.
	Send(cmd wire.Command) error
	// Events streams the host's events in arrival order.
	Events() <-chan wire.Event
	// Done is closed after the host has terminated and its streams are
	// drained.
	Done() <-chan struct{}
	// Err reports why the host terminated; nil means a clean exit. Only
	// valid once Done is closed.
	Err() error
	// PID identifies the OS process, or 0 for hosts not backed by one.
	PID() int
	// Kill forcibly terminates the host. Idempotent.
	Kill()
}

// Launcher starts plugin hosts. The production launcher spawns the host
// binary; tests substitute in-process hosts speaking the same protocol.
type Launcher interface {
	Launch(ctx context.Context) (Host, error)
}

// ExecOption configures an ExecLauncher.
type ExecOption func(*execConfig)

type execConfig struct {
	args   []string
	logger *slog.Logger
}

func defaultExecConfig() execConfig {
	return execConfig{logger: logging.Discard()}
}

// WithExecArgs sets extra arguments passed to the host binary.
func WithExecArgs(args ...string) ExecOption {
	return func(c *execConfig) {
		c.args = args
	}
}

// WithExecLogger sets the logger host stderr and exits are reported to.
func WithExecLogger(logger *slog.Logger) ExecOption {
	return func(c *execConfig) {
		c.logger = logger
	}
}

// ExecLauncher spawns the plugin host binary with stdin as the command
// stream and stdout as the event stream. Stderr never carries protocol
// traffic; it is logged live and its tail retained for exit diagnostics.
type ExecLauncher struct {
	binary string
	cfg    execConfig
}

// NewExecLauncher returns a launcher for the host binary at path.
func NewExecLauncher(binary string, opts ...ExecOption) *ExecLauncher {
	cfg := defaultExecConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ExecLauncher{binary: binary, cfg: cfg}
}

// Launch starts one host process. The context bounds only the launch
// itself; the returned Host outlives it and is stopped via commands or
// Kill.
func (l *ExecLauncher) Launch(ctx context.Context) (Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.binary, l.cfg.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open host stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open host stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.binary, err)
	}

	h := &execHost{
		cmd:    cmd,
		enc:    wire.NewEncoder(stdin),
		events: make(chan wire.Event),
		done:   make(chan struct{}),
	}
	log := l.cfg.logger.With("component", "launcher", "host_pid", cmd.Process.Pid)

	var g errgroup.Group
	g.Go(func() error { return h.pumpEvents(stdout, log) })
	g.Go(func() error { return h.pumpStderr(stderr, log) })

	go h.reap(&g, log)
	return h, nil
}

type execHost struct {
	cmd    *exec.Cmd
	enc    *wire.Encoder
	events chan wire.Event
	done   chan struct{}
	tail   stderrTail

	killOnce sync.Once

	// err is written by reap before done is closed; readers must wait on
	// Done first.
	err error
}

func (h *execHost) Send(cmd wire.Command) error {
	if err := h.enc.Encode(cmd); err != nil {
		return fmt.Errorf("send %s command: %w", cmd.Type, err)
	}
	return nil
}

func (h *execHost) Events() <-chan wire.Event { return h.events }

func (h *execHost) Done() <-chan struct{} { return h.done }

func (h *execHost) Err() error { return h.err }

func (h *execHost) PID() int { return h.cmd.Process.Pid }

func (h *execHost) Kill() {
	h.killOnce.Do(func() {
		_ = h.cmd.Process.Kill()
	})
}

// pumpEvents forwards decoded events until the stream ends. Malformed
// lines are skipped; a broken stream ends the pump and, for the consumer,
// the host.
func (h *execHost) pumpEvents(stdout io.Reader, log *slog.Logger) error {
	defer close(h.events)
	sc := wire.NewScanner(stdout)
	for {
		var ev wire.Event
		err := sc.Next(&ev)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, wire.ErrMalformed):
			log.Warn("skipping malformed host event", "error", err)
			continue
		case err != nil:
			return fmt.Errorf("host event stream failed: %w", err)
		}
		h.events <- ev
	}
}

// pumpStderr logs host stderr live and feeds the exit-diagnostic tail.
func (h *execHost) pumpStderr(stderr io.Reader, log *slog.Logger) error {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 4*1024), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		h.tail.Add(line)
		log.Debug("host stderr", "line", line)
	}
	// A stderr read error on its own does not kill the host.
	return nil
}

// reap waits for both pumps, then for process exit, in that order; Wait
// must not run while the pipe pumps still read. Sets err, then releases
// Done waiters.
func (h *execHost) reap(g *errgroup.Group, log *slog.Logger) {
	pumpErr := g.Wait()
	waitErr := h.cmd.Wait()

	switch {
	case waitErr != nil:
		h.err = waitErr
	default:
		h.err = pumpErr
	}
	if h.err != nil {
		if tail := h.tail.String(); tail != "" {
			log.Warn("plugin host exited abnormally", "error", h.err, "stderr_tail", tail)
		} else {
			log.Debug("plugin host exited abnormally", "error", h.err)
		}
	}
	close(h.done)
}
