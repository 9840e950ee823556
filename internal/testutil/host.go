package testutil

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/amiko-app/plugin-runtime/hostproc"
	"github.com/amiko-app/plugin-runtime/supervisor"
	"github.com/amiko-app/plugin-runtime/wire"
)

// errKilled marks a host torn down via Kill rather than shutdown.
var errKilled = errors.New("pipe host killed")

// PipeHost runs the real host command loop in-process over pipes, so
// supervisor tests exercise the full protocol without building or spawning
// the host binary. It satisfies the supervisor's Host interface.
type PipeHost struct {
	enc    *wire.Encoder
	events chan wire.Event
	done   chan struct{}

	cmdR *io.PipeReader

	killOnce sync.Once

	// err is written before done closes; read it only after Done.
	err error
}

func newPipeHost() *PipeHost {
	cmdR, cmdW := io.Pipe()
	evR, evW := io.Pipe()
	h := &PipeHost{
		enc:    wire.NewEncoder(cmdW),
		events: make(chan wire.Event),
		done:   make(chan struct{}),
		cmdR:   cmdR,
	}

	runner := hostproc.New(cmdR, evW)
	go func() {
		h.err = runner.Run(context.Background())
		// Fail pending and future Sends fast, then end the event stream.
		cmdR.CloseWithError(io.ErrClosedPipe)
		evW.Close()
		close(h.done)
	}()
	go func() {
		defer close(h.events)
		sc := wire.NewScanner(evR)
		for {
			var ev wire.Event
			if err := sc.Next(&ev); err != nil {
				return
			}
			h.events <- ev
		}
	}()
	return h
}

func (h *PipeHost) Send(cmd wire.Command) error { return h.enc.Encode(cmd) }

func (h *PipeHost) Events() <-chan wire.Event { return h.events }

func (h *PipeHost) Done() <-chan struct{} { return h.done }

func (h *PipeHost) Err() error { return h.err }

func (h *PipeHost) PID() int { return 0 }

func (h *PipeHost) Kill() {
	h.killOnce.Do(func() {
		h.cmdR.CloseWithError(errKilled)
	})
}

// PipeLauncher launches PipeHosts and records them for assertions.
type PipeLauncher struct {
	mu       sync.Mutex
	hosts    []*PipeHost
	failWith error
}

// NewPipeLauncher returns a launcher whose hosts run hostproc in-process.
func NewPipeLauncher() *PipeLauncher {
	return &PipeLauncher{}
}

// Launch satisfies supervisor.Launcher.
func (l *PipeLauncher) Launch(ctx context.Context) (supervisor.Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return nil, l.failWith
	}
	h := newPipeHost()
	l.hosts = append(l.hosts, h)
	return h, nil
}

// FailWith makes subsequent launches fail with err; nil restores normal
// launching.
func (l *PipeLauncher) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failWith = err
}

// Launches reports how many hosts have been started.
func (l *PipeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

// Host returns the i-th launched host.
func (l *PipeLauncher) Host(i int) *PipeHost {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hosts[i]
}
