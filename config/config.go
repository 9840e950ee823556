// Package config loads the plugin subsystem's configuration from file and
// environment. Everything has a default; a missing config file is normal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/amiko-app/plugin-runtime/sandbox"
	"github.com/amiko-app/plugin-runtime/supervisor"
	"github.com/amiko-app/plugin-runtime/wire"
)

// Config holds the plugin subsystem configuration.
type Config struct {
	Catalog CatalogConfig
	Data    DataConfig
	Host    HostConfig
	Limits  LimitsConfig
	Log     LogConfig
}

// CatalogConfig points at the plugin catalog service.
type CatalogConfig struct {
	URL string
	// TokenEnv names the environment variable holding the bearer token.
	// The token itself never lives in the config file.
	TokenEnv string `mapstructure:"token_env"`
}

// Token reads the catalog bearer token from the configured environment
// variable. Empty when the user is not logged in.
func (c CatalogConfig) Token() string {
	return os.Getenv(c.TokenEnv)
}

// DataConfig holds filesystem locations. StateFile and BundleDir derive
// from Dir when left empty.
type DataConfig struct {
	Dir       string
	StateFile string `mapstructure:"state_file"`
	BundleDir string `mapstructure:"bundle_dir"`
}

// HostConfig describes the plugin host process.
type HostConfig struct {
	Binary    string
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

// LimitsConfig bounds plugin execution: the supervisor's message-layer
// ceilings and the interpreter ceilings handed to the host on load.
type LimitsConfig struct {
	ClickTimeout     time.Duration `mapstructure:"click_timeout"`
	MaxPending       int           `mapstructure:"max_pending"`
	LoadTimeout      time.Duration `mapstructure:"load_timeout"`
	HandlerTimeout   time.Duration `mapstructure:"handler_timeout"`
	MemoryLimitBytes int64         `mapstructure:"memory_limit_bytes"`
	MaxCallDepth     int           `mapstructure:"max_call_depth"`
}

// WireLimits maps the interpreter ceilings onto a load command payload.
func (c LimitsConfig) WireLimits() wire.Limits {
	return wire.Limits{
		LoadTimeoutMS:    c.LoadTimeout.Milliseconds(),
		ClickTimeoutMS:   c.HandlerTimeout.Milliseconds(),
		MemoryLimitBytes: c.MemoryLimitBytes,
		MaxCallDepth:     c.MaxCallDepth,
	}
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	JSON  bool
}

// Load reads configuration from file and env. Env var overrides use
// prefix AMIKO_PLUGINS_; AMIKO_PLUGINS_CONFIG names an explicit config
// file, otherwise plugins.toml in the amiko config directory is used.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("catalog.url", "https://plugins.amiko.app")
	v.SetDefault("catalog.token_env", "AMIKO_TOKEN")
	v.SetDefault("data.dir", defaultDataDir())
	v.SetDefault("data.state_file", "")
	v.SetDefault("data.bundle_dir", "")
	v.SetDefault("host.binary", "amiko-pluginhost")
	v.SetDefault("host.stop_grace", supervisor.DefaultStopGrace)
	v.SetDefault("limits.click_timeout", supervisor.DefaultClickTimeout)
	v.SetDefault("limits.max_pending", supervisor.DefaultMaxPending)
	v.SetDefault("limits.load_timeout", sandbox.DefaultLoadTimeout)
	v.SetDefault("limits.handler_timeout", sandbox.DefaultClickTimeout)
	v.SetDefault("limits.memory_limit_bytes", sandbox.DefaultMemoryLimit)
	v.SetDefault("limits.max_call_depth", sandbox.DefaultMaxCallDepth)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetConfigType("toml")
	if path := os.Getenv("AMIKO_PLUGINS_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(defaultConfigDir())
		v.SetConfigName("plugins")
	}

	v.SetEnvPrefix("AMIKO_PLUGINS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine; defaults and env cover everything.
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Data.StateFile == "" {
		c.Data.StateFile = filepath.Join(c.Data.Dir, "plugins.json")
	}
	if c.Data.BundleDir == "" {
		c.Data.BundleDir = filepath.Join(c.Data.Dir, "bundles")
	}
	return c, nil
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "amiko", "plugins")
}

func defaultConfigDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "amiko")
}
