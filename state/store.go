// Package state persists the plugin runtime's durable state: the local
// enable switch and at most one installed plugin reference. The store is
// deliberately forgiving on the read side, because this file must never be
// able to wedge application startup.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/amiko-app/plugin-runtime/logging"
)

// InstalledRef identifies the installed plugin. Permissions are carried
// verbatim from the catalog entry so the host can be started again without
// refetching the catalog.
type InstalledRef struct {
	ID          string          `json:"id"`
	Version     string          `json:"version"`
	Name        string          `json:"name,omitempty"`
	SHA256      string          `json:"sha256,omitempty"`
	Permissions json.RawMessage `json:"permissions,omitempty"`
}

// RuntimeState is the whole persisted document.
type RuntimeState struct {
	Enabled   bool          `json:"enabled"`
	Installed *InstalledRef `json:"installed"`
}

// Default returns the state assumed when nothing valid is on disk:
// disabled, nothing installed.
func Default() RuntimeState {
	return RuntimeState{}
}

type storeConfig struct {
	dirPerm  os.FileMode
	filePerm os.FileMode
	logger   *slog.Logger
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dirPerm:  0o755,
		filePerm: 0o600,
		logger:   logging.Discard(),
	}
}

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

// WithFilePermissions sets the state file mode. Default 0o600.
func WithFilePermissions(perm os.FileMode) StoreOption {
	return func(c *storeConfig) {
		c.filePerm = perm
	}
}

// WithDirPermissions sets the mode for created parent directories.
// Default 0o755.
func WithDirPermissions(perm os.FileMode) StoreOption {
	return func(c *storeConfig) {
		c.dirPerm = perm
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// Store reads and writes the state file. A Store owns its path
// exclusively; nothing else may write it.
type Store struct {
	path string
	cfg  storeConfig
	log  *slog.Logger
}

// NewStore returns a Store persisting to path.
func NewStore(path string, opts ...StoreOption) *Store {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store{
		path: path,
		cfg:  cfg,
		log:  cfg.logger.With("component", "state", "path", path),
	}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted state. A missing or corrupt file yields the
// default state with a nil error; only unexpected I/O failures are
// reported, and even then the default state is returned so the caller can
// proceed.
func (s *Store) Load() (RuntimeState, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Default(), fmt.Errorf("read state file: %w", err)
	}
	var st RuntimeState
	if err := json.Unmarshal(raw, &st); err != nil {
		s.log.Warn("state file is corrupt, falling back to defaults", "error", err)
		return Default(), nil
	}
	return st, nil
}

// Save atomically replaces the state file. The document is written to a
// temp file in the same directory and renamed over the target, so a reader
// never observes a partial write.
func (s *Store) Save(st RuntimeState) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, s.cfg.dirPerm); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Chmod(s.cfg.filePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	s.log.Debug("state saved", "enabled", st.Enabled, "installed", st.Installed != nil)
	return nil
}
