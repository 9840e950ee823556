package supervisor

import (
	"log/slog"
	"time"

	"github.com/amiko-app/plugin-runtime/logging"
	"github.com/amiko-app/plugin-runtime/wire"
)

const (
	// DefaultClickTimeout bounds the wait for a menu click result. It is
	// deliberately larger than the host's own handler budget so a live
	// host always answers first and this timeout only fires when the host
	// has stopped responding.
	DefaultClickTimeout = 1200 * time.Millisecond

	// DefaultMaxPending caps concurrently in-flight menu clicks.
	DefaultMaxPending = 20

	// DefaultStopGrace is how long a host gets to exit after a shutdown
	// command before it is killed.
	DefaultStopGrace = 3 * time.Second

	// subscriberBuffer is the per-subscriber event backlog. Subscribers
	// falling further behind lose events; the host pump never blocks on
	// them.
	subscriberBuffer = 16
)

// Option configures a Manager.
type Option func(*config)

type config struct {
	logger        *slog.Logger
	clickTimeout  time.Duration
	maxPending    int
	stopGrace     time.Duration
	limits        wire.Limits
	remoteEnabled bool
}

func defaultConfig() config {
	return config{
		logger:        logging.Discard(),
		clickTimeout:  DefaultClickTimeout,
		maxPending:    DefaultMaxPending,
		stopGrace:     DefaultStopGrace,
		remoteEnabled: true,
	}
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithClickTimeout overrides the menu click result deadline.
func WithClickTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.clickTimeout = d
		}
	}
}

// WithMaxPending overrides the in-flight menu click ceiling.
func WithMaxPending(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxPending = n
		}
	}
}

// WithStopGrace overrides the shutdown grace period.
func WithStopGrace(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.stopGrace = d
		}
	}
}

// WithLimits sets the execution limits passed to hosts on load. The zero
// value lets hosts apply their own defaults.
func WithLimits(limits wire.Limits) Option {
	return func(c *config) {
		c.limits = limits
	}
}

// WithRemoteEnabled sets the initial remote kill switch position. It
// defaults to enabled; the switch is not persisted and must be re-fed
// after restart by whoever polls it.
func WithRemoteEnabled(enabled bool) Option {
	return func(c *config) {
		c.remoteEnabled = enabled
	}
}
