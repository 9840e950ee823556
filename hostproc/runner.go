// Package hostproc implements the host side of the supervisor protocol: a
// command loop that drives exactly one sandboxed plugin over a pair of
// byte streams. In production those streams are the host process's stdin
// and stdout; tests wire them to in-memory pipes and get the identical
// protocol behavior without spawning a process.
package hostproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/amiko-app/plugin-runtime/logging"
	"github.com/amiko-app/plugin-runtime/sandbox"
	"github.com/amiko-app/plugin-runtime/wire"
)

// Option configures a Runner.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

func defaultConfig() config {
	return config{logger: logging.Discard()}
}

// WithLogger sets the runner's logger. The host binary points this at
// stderr; stdout belongs to the protocol.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Runner consumes commands from one stream and produces events on
// another. It hosts at most one plugin for its whole lifetime.
type Runner struct {
	log *slog.Logger
	sc  *wire.Scanner
	enc *wire.Encoder

	rt       *sandbox.Runtime
	pluginID string
	loaded   bool
}

// New returns a Runner reading commands from r and writing events to w.
func New(r io.Reader, w io.Writer, opts ...Option) *Runner {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Runner{
		log: cfg.logger.With("component", "hostproc"),
		sc:  wire.NewScanner(r),
		enc: wire.NewEncoder(w),
	}
}

// Run executes the command loop until shutdown, stream end, or a fatal
// load failure. Context cancellation is only observed between commands;
// closing the command stream is the reliable way to stop a running loop.
func (r *Runner) Run(ctx context.Context) error {
	defer r.disposeRuntime()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var cmd wire.Command
		err := r.sc.Next(&cmd)
		switch {
		case errors.Is(err, io.EOF):
			r.log.Debug("command stream closed")
			return nil
		case errors.Is(err, wire.ErrMalformed):
			r.log.Warn("skipping malformed command", "error", err)
			continue
		case err != nil:
			return fmt.Errorf("command stream failed: %w", err)
		}
		switch cmd.Type {
		case wire.CommandLoad:
			if err := r.handleLoad(cmd); err != nil {
				// A failed load is fatal to this host. Report it, then
				// exit; restarting is the supervisor's call.
				r.emit(wire.ErrorEvent(err.Error()))
				return err
			}
		case wire.CommandMenuClick:
			r.emit(r.clickResult(cmd))
		case wire.CommandShutdown:
			r.log.Debug("shutdown requested")
			return nil
		default:
			r.log.Warn("skipping unknown command", "type", string(cmd.Type))
		}
	}
}

func (r *Runner) handleLoad(cmd wire.Command) error {
	if r.loaded {
		r.log.Warn("ignoring duplicate load", "plugin", cmd.PluginID)
		return nil
	}
	if !wire.ValidPermissions(cmd.Permissions) {
		return fmt.Errorf("plugin %s declares no permissions", cmd.PluginID)
	}
	source, err := os.ReadFile(cmd.EntryPath)
	if err != nil {
		return fmt.Errorf("read plugin entry: %w", err)
	}

	opts := []sandbox.Option{
		sandbox.WithEmitter(&eventEmitter{runner: r, pluginID: cmd.PluginID}),
		sandbox.WithLogger(r.log),
	}
	opts = append(opts, sandbox.FromLimits(cmd.Limits)...)
	rt := sandbox.New(opts...)

	if err := rt.Load(cmd.PluginID, filepath.Base(cmd.EntryPath), string(source)); err != nil {
		return err
	}
	r.rt = rt
	r.pluginID = cmd.PluginID
	r.loaded = true
	r.emit(wire.ReadyEvent())
	r.log.Info("plugin loaded", "plugin", cmd.PluginID, "version", cmd.Version)
	return nil
}

// clickResult settles one menu:click command. Every accepted command gets
// exactly one result event, failures included.
func (r *Runner) clickResult(cmd wire.Command) wire.Event {
	if !r.loaded {
		return wire.ClickResultError(cmd.RequestID, &wire.ClickError{
			Code:    wire.ClickNotLoaded,
			Message: "no plugin loaded",
		})
	}
	if cmd.PluginID != r.pluginID {
		return wire.ClickResultError(cmd.RequestID, &wire.ClickError{
			Code:    wire.ClickPluginMismatch,
			Message: fmt.Sprintf("loaded plugin is %s, not %s", r.pluginID, cmd.PluginID),
		})
	}
	if cerr := r.rt.Click(cmd.MenuID); cerr != nil {
		return wire.ClickResultError(cmd.RequestID, cerr)
	}
	return wire.ClickResultOK(cmd.RequestID)
}

func (r *Runner) emit(ev wire.Event) {
	if err := r.enc.Encode(ev); err != nil {
		r.log.Error("emit event failed", "type", string(ev.Type), "error", err)
	}
}

func (r *Runner) disposeRuntime() {
	if r.rt != nil {
		r.rt.Dispose()
		r.rt = nil
	}
}

// eventEmitter forwards capability output onto the event stream. It runs
// on the command-loop goroutine, so event order matches execution order.
type eventEmitter struct {
	runner   *Runner
	pluginID string
}

func (e *eventEmitter) Say(text string) {
	e.runner.emit(wire.SayEvent(e.pluginID, text))
}

func (e *eventEmitter) Suggestion(text string) {
	e.runner.emit(wire.SuggestionEvent(e.pluginID, text))
}

func (e *eventEmitter) MenuAdd(item wire.MenuItem) {
	e.runner.emit(wire.MenuAddEvent(item))
}
