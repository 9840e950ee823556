// Command pluginctl operates the plugin subsystem from a terminal: it
// inspects status, installs approved plugins, toggles execution, and
// exercises a running plugin the way the desktop application would.
//
// Each invocation builds its own supervisor from the shared configuration,
// so a host started here lives only as long as the command that needed it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amiko-app/plugin-runtime/bundle"
	"github.com/amiko-app/plugin-runtime/catalog"
	"github.com/amiko-app/plugin-runtime/config"
	"github.com/amiko-app/plugin-runtime/logging"
	"github.com/amiko-app/plugin-runtime/state"
	"github.com/amiko-app/plugin-runtime/supervisor"
)

var (
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "pluginctl",
	Short: "Operate the amiko plugin subsystem",
	Long: `pluginctl drives the plugin subsystem that normally runs inside the
amiko desktop application: one approved plugin, installed from the
catalog, executed in a sandboxed host process.

Configuration is read from plugins.toml in the amiko config directory
(override with AMIKO_PLUGINS_CONFIG) and AMIKO_PLUGINS_* environment
variables. The catalog token comes from the environment variable named
by catalog.token_env, AMIKO_TOKEN by default.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// app bundles the wired subsystem behind one command invocation.
type app struct {
	cfg config.Config
	log *slog.Logger
	mgr *supervisor.Manager
}

// newApp loads configuration, wires the supervisor, and applies persisted
// state. Callers own a.close.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.Log.Level)
	if verbose {
		level = slog.LevelDebug
	}
	log := logging.New(os.Stderr, logging.WithLevel(level), logging.WithJSON(cfg.Log.JSON))

	tokens := catalog.TokenFunc(func(context.Context) (string, error) {
		return cfg.Catalog.Token(), nil
	})

	mgr := supervisor.NewManager(
		state.NewStore(cfg.Data.StateFile, state.WithLogger(log)),
		bundle.NewStore(cfg.Data.BundleDir, bundle.WithLogger(log)),
		catalog.NewClient(cfg.Catalog.URL, tokens, catalog.WithLogger(log)),
		supervisor.NewExecLauncher(cfg.Host.Binary, supervisor.WithExecLogger(log)),
		supervisor.WithLogger(log),
		supervisor.WithClickTimeout(cfg.Limits.ClickTimeout),
		supervisor.WithMaxPending(cfg.Limits.MaxPending),
		supervisor.WithStopGrace(cfg.Host.StopGrace),
		supervisor.WithLimits(cfg.Limits.WireLimits()),
	)
	mgr.Init(ctx)
	return &app{cfg: cfg, log: log, mgr: mgr}, nil
}

func (a *app) close() {
	a.mgr.Close()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print machine-readable JSON where supported")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(clickCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
