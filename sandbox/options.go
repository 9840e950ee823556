package sandbox

import (
	"log/slog"
	"time"

	"github.com/amiko-app/plugin-runtime/logging"
	"github.com/amiko-app/plugin-runtime/wire"
)

// Default resource ceilings. A plugin that needs different limits gets
// them from the supervisor through wire.Limits, never from its own code.
const (
	// DefaultLoadTimeout bounds top-level evaluation of the plugin.
	DefaultLoadTimeout = 1000 * time.Millisecond

	// DefaultClickTimeout bounds one menu click handler invocation. The
	// supervisor applies its own, longer timeout at the message layer.
	DefaultClickTimeout = 400 * time.Millisecond

	// DefaultMemoryLimit is the 64 MiB interpreter heap ceiling.
	DefaultMemoryLimit int64 = 64 << 20

	// DefaultMaxCallDepth approximates the 512 KiB stack ceiling in
	// interpreter frames.
	DefaultMaxCallDepth = 1024
)

const (
	// maxMicrotaskBurst bounds how many queued jobs run after one
	// synchronous call into the plugin.
	maxMicrotaskBurst = 64

	// memPollInterval is how often the watchdog samples heap usage while
	// plugin code runs.
	memPollInterval = 5 * time.Millisecond
)

type config struct {
	loadTimeout  time.Duration
	clickTimeout time.Duration
	memoryLimit  int64
	maxCallDepth int
	emitter      Emitter
	logger       *slog.Logger
}

func defaultConfig() config {
	return config{
		loadTimeout:  DefaultLoadTimeout,
		clickTimeout: DefaultClickTimeout,
		memoryLimit:  DefaultMemoryLimit,
		maxCallDepth: DefaultMaxCallDepth,
		emitter:      discardEmitter{},
		logger:       logging.Discard(),
	}
}

// Option configures a Runtime.
type Option func(*config)

// WithEmitter routes capability output to sink.
func WithEmitter(sink Emitter) Option {
	return func(c *config) {
		c.emitter = sink
	}
}

// WithLoadTimeout bounds top-level evaluation of the plugin.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *config) {
		c.loadTimeout = d
	}
}

// WithClickTimeout bounds one menu click handler invocation.
func WithClickTimeout(d time.Duration) Option {
	return func(c *config) {
		c.clickTimeout = d
	}
}

// WithMemoryLimit caps interpreter heap bytes. Zero disables the memory
// watchdog; the process-level limit still applies in the host binary.
func WithMemoryLimit(bytes int64) Option {
	return func(c *config) {
		c.memoryLimit = bytes
	}
}

// WithMaxCallDepth caps interpreter stack frames.
func WithMaxCallDepth(frames int) Option {
	return func(c *config) {
		c.maxCallDepth = frames
	}
}

// WithLogger sets the runtime's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// FromLimits maps supervisor-supplied limits onto options. Zero fields are
// skipped so the defaults above stay in force.
func FromLimits(l *wire.Limits) []Option {
	if l == nil {
		return nil
	}
	var opts []Option
	if l.LoadTimeoutMS > 0 {
		opts = append(opts, WithLoadTimeout(time.Duration(l.LoadTimeoutMS)*time.Millisecond))
	}
	if l.ClickTimeoutMS > 0 {
		opts = append(opts, WithClickTimeout(time.Duration(l.ClickTimeoutMS)*time.Millisecond))
	}
	if l.MemoryLimitBytes > 0 {
		opts = append(opts, WithMemoryLimit(l.MemoryLimitBytes))
	}
	if l.MaxCallDepth > 0 {
		opts = append(opts, WithMaxCallDepth(l.MaxCallDepth))
	}
	return opts
}
