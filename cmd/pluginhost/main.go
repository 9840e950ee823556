// Command pluginhost runs one sandboxed plugin under supervisor control.
// It speaks the wire protocol on its standard streams: commands arrive on
// stdin, events leave on stdout, logs go to stderr. The supervisor spawns
// one of these per plugin and kills it when the plugin is done.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/amiko-app/plugin-runtime/hostproc"
	"github.com/amiko-app/plugin-runtime/logging"
)

// processMemoryLimit backstops the interpreter's own heap ceiling. The
// sandbox watchdog should trip long before the runtime does.
const processMemoryLimit = 256 << 20

func main() {
	debug.SetMemoryLimit(processMemoryLimit)

	log := logging.New(os.Stderr,
		logging.WithLevel(logging.ParseLevel(os.Getenv("AMIKO_PLUGINS_LOG_LEVEL"))))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := hostproc.New(os.Stdin, os.Stdout, hostproc.WithLogger(log))
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("plugin host exiting on error", "error", err)
		os.Exit(1)
	}
}
