// Package sandbox runs one plugin inside a goja interpreter behind a
// deliberately small capability surface and hard resource ceilings.
//
// A Runtime hosts exactly one plugin for its whole lifetime:
//
//	Idle -> Loading -> Ready -> (Executing)* -> Ready -> Disposed
//
// Load failures dispose the runtime; click failures leave it Ready. The
// watchdog enforces wall-clock deadlines and the heap ceiling by
// interrupting the interpreter, and the stack ceiling is a fixed call
// depth, so a hostile plugin degrades into an execution error instead of
// taking the process down.
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/amiko-app/plugin-runtime/wire"
)

// State is a lifecycle phase of a Runtime.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateExecuting
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Emitter receives output produced by plugin capability calls. Calls
// arrive on the goroutine driving the runtime and carry already-clipped
// payloads.
type Emitter interface {
	Say(text string)
	Suggestion(text string)
	MenuAdd(item wire.MenuItem)
}

type discardEmitter struct{}

func (discardEmitter) Say(string) {}

func (discardEmitter) Suggestion(string) {}

func (discardEmitter) MenuAdd(wire.MenuItem) {}

// interruptReason is the value handed to goja.Runtime.Interrupt so the
// resulting InterruptedError can be told apart from a plugin throw.
type interruptReason string

const (
	reasonDeadline interruptReason = "deadline exceeded"
	reasonMemory   interruptReason = "memory limit exceeded"
)

// Runtime hosts one plugin. It is not safe for concurrent use; all calls
// except State must come from the goroutine that created it.
type Runtime struct {
	cfg   config
	log   *slog.Logger
	state atomic.Int32

	vm       *goja.Runtime
	pluginID string

	menuItems  map[string]string // id -> label
	handlers   map[string]goja.Callable
	microtasks []goja.Callable
}

// New returns an idle Runtime. The interpreter itself is created by Load.
func New(opts ...Option) *Runtime {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.loadTimeout <= 0 {
		cfg.loadTimeout = DefaultLoadTimeout
	}
	if cfg.clickTimeout <= 0 {
		cfg.clickTimeout = DefaultClickTimeout
	}
	if cfg.maxCallDepth <= 0 {
		cfg.maxCallDepth = DefaultMaxCallDepth
	}
	r := &Runtime{
		cfg:       cfg,
		log:       cfg.logger.With("component", "sandbox"),
		menuItems: make(map[string]string),
		handlers:  make(map[string]goja.Callable),
	}
	r.state.Store(int32(StateIdle))
	return r
}

// State reports the lifecycle phase. Safe from any goroutine.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Load evaluates the plugin's top-level code under the load deadline. It
// may be called once, on an idle runtime. Any failure disposes the
// runtime.
func (r *Runtime) Load(pluginID, scriptName, source string) error {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateLoading)) {
		return fmt.Errorf("load rejected in state %s", r.State())
	}
	r.pluginID = pluginID

	vm := goja.New()
	vm.SetMaxCallStackSize(r.cfg.maxCallDepth)
	r.vm = vm
	if err := r.installCapabilities(); err != nil {
		r.dispose()
		return fmt.Errorf("install capability surface: %w", err)
	}

	err := r.runGuarded(r.cfg.loadTimeout, func() error {
		if _, err := vm.RunScript(scriptName, source); err != nil {
			return err
		}
		r.drainMicrotasks()
		return nil
	})
	if err != nil {
		r.dispose()
		return fmt.Errorf("evaluate plugin %s: %s", pluginID, r.describe(err))
	}
	r.state.Store(int32(StateReady))
	r.log.Debug("plugin loaded", "plugin", pluginID, "menu_items", len(r.menuItems))
	return nil
}

// Click runs the handler bound to menuID under the click deadline. A nil
// return means the handler completed. The runtime stays Ready after a
// failed click; only Load failures dispose it.
func (r *Runtime) Click(menuID string) *wire.ClickError {
	if r.State() != StateReady {
		return &wire.ClickError{Code: wire.ClickNotLoaded, Message: "no plugin loaded"}
	}
	if _, ok := r.menuItems[menuID]; !ok {
		return &wire.ClickError{Code: wire.ClickInvalidMenuID, Message: fmt.Sprintf("unknown menu item %q", menuID)}
	}
	handler, ok := r.handlers[menuID]
	if !ok {
		return &wire.ClickError{Code: wire.ClickNoHandler, Message: fmt.Sprintf("no handler bound for %q", menuID)}
	}

	r.state.Store(int32(StateExecuting))
	defer r.state.Store(int32(StateReady))

	err := r.runGuarded(r.cfg.clickTimeout, func() error {
		if _, err := handler(goja.Undefined()); err != nil {
			return err
		}
		r.drainMicrotasks()
		return nil
	})
	if err != nil {
		r.log.Debug("menu click failed", "plugin", r.pluginID, "menu_id", menuID, "error", err)
		return &wire.ClickError{Code: wire.ClickFailed, Message: r.describe(err)}
	}
	return nil
}

// Dispose releases every handler and menu registration and retires the
// interpreter. Terminal and idempotent.
func (r *Runtime) Dispose() {
	r.dispose()
}

func (r *Runtime) dispose() {
	if State(r.state.Swap(int32(StateDisposed))) == StateDisposed {
		return
	}
	// Handlers pin interpreter values; release them before the runtime
	// reference goes.
	r.handlers = nil
	r.menuItems = nil
	r.microtasks = nil
	r.vm = nil
}

// runGuarded executes fn under the watchdog. The interrupt flag is always
// cleared after the watchdog is joined, so a late trip cannot poison the
// next call.
func (r *Runtime) runGuarded(limit time.Duration, fn func() error) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go r.watch(limit, stop, done)

	err := fn()

	close(stop)
	<-done
	r.vm.ClearInterrupt()
	return err
}

// watch interrupts the interpreter when the deadline passes or the heap
// ceiling is exceeded, whichever comes first.
func (r *Runtime) watch(limit time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	poll := time.NewTicker(memPollInterval)
	defer poll.Stop()
	for {
		select {
		case <-stop:
			return
		case <-deadline.C:
			r.vm.Interrupt(reasonDeadline)
			return
		case <-poll.C:
			if r.cfg.memoryLimit > 0 && heapBytes() > r.cfg.memoryLimit {
				r.vm.Interrupt(reasonMemory)
				return
			}
		}
	}
}

func heapBytes() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc)
}

// drainMicrotasks runs jobs queued via queueMicrotask after a synchronous
// call, at most maxMicrotaskBurst of them. A failing job ends the drain
// without failing the call that queued it; undrained jobs stay queued for
// the next call.
func (r *Runtime) drainMicrotasks() {
	for i := 0; i < maxMicrotaskBurst && len(r.microtasks) > 0; i++ {
		job := r.microtasks[0]
		r.microtasks = r.microtasks[1:]
		if _, err := job(goja.Undefined()); err != nil {
			r.log.Debug("microtask aborted", "plugin", r.pluginID, "error", err)
			return
		}
	}
}

// describe flattens an interpreter failure into the message shipped across
// the process boundary.
func (r *Runtime) describe(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch interrupted.Value() {
		case reasonDeadline:
			return "execution deadline exceeded"
		case reasonMemory:
			return fmt.Sprintf("memory limit exceeded (%d bytes)", r.cfg.memoryLimit)
		}
		return "execution interrupted"
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return fmt.Sprintf("call stack exceeded %d frames", r.cfg.maxCallDepth)
	}
	var thrown *goja.Exception
	if errors.As(err, &thrown) {
		if v := thrown.Value(); v != nil {
			return v.String()
		}
		return thrown.Error()
	}
	return err.Error()
}
