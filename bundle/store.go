// Package bundle verifies and stores downloaded plugin code. Nothing is
// written to disk, and no installation is recorded, unless the code's
// digest matches both the catalog-declared and the server-reported hash.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/amiko-app/plugin-runtime/catalog"
	"github.com/amiko-app/plugin-runtime/logging"
)

// ErrHashMismatch reports that downloaded code failed digest verification.
var ErrHashMismatch = errors.New("bundle hash mismatch")

// entryFileName is the on-disk name of a plugin's code within its
// (id, version) directory.
const entryFileName = "plugin.js"

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

// WithDirPermissions sets the mode for created directories. Default 0o755.
func WithDirPermissions(perm os.FileMode) StoreOption {
	return func(c *storeConfig) {
		c.dirPerm = perm
	}
}

// WithFilePermissions sets the mode for written code files. Default 0o600.
func WithFilePermissions(perm os.FileMode) StoreOption {
	return func(c *storeConfig) {
		c.filePerm = perm
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// Store lays verified plugin code out under one root directory, keyed by
// plugin id and version.
type Store struct {
	dir string
	cfg storeConfig
	log *slog.Logger
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, opts ...StoreOption) *Store {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store{
		dir: dir,
		cfg: cfg,
		log: cfg.logger.With("component", "bundle", "dir", dir),
	}
}

// EntryPath returns where Install places the code for (id, version),
// whether or not anything is installed there yet.
func (s *Store) EntryPath(id, version string) string {
	return filepath.Join(s.dir, safeSegment(id), safeSegment(version), entryFileName)
}

// Install verifies b against the server-reported hash and the
// catalog-declared hash independently, then writes the code via a temp
// file and rename so no reader ever sees a partial bundle. It returns the
// entry path.
func (s *Store) Install(entry catalog.Entry, b *catalog.Bundle) (string, error) {
	sum := sha256.Sum256([]byte(b.Code))
	computed := hex.EncodeToString(sum[:])
	if !strings.EqualFold(computed, b.SHA256) {
		return "", fmt.Errorf("%w: server reported %s, computed %s", ErrHashMismatch, b.SHA256, computed)
	}
	if !strings.EqualFold(computed, entry.SHA256) {
		return "", fmt.Errorf("%w: catalog declared %s, computed %s", ErrHashMismatch, entry.SHA256, computed)
	}

	path := s.EntryPath(entry.ID, entry.Version)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.cfg.dirPerm); err != nil {
		return "", fmt.Errorf("create bundle directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, entryFileName+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp bundle file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(b.Code); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write bundle: %w", err)
	}
	if err := tmp.Chmod(s.cfg.filePerm); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close bundle: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("install bundle: %w", err)
	}

	s.log.Info("bundle installed", "plugin", entry.ID, "version", entry.Version, "bytes", len(b.Code))
	return path, nil
}

// safeSegment encodes an id or version into a single path segment.
// Alphanumerics and "._-" pass through, everything else is percent-encoded
// byte-wise. The underscore prefix keeps "", "." and ".." from acting as
// path navigation.
func safeSegment(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9',
			b == '.', b == '-', b == '_':
			sb.WriteByte(b)
		default:
			fmt.Fprintf(&sb, "%%%02X", b)
		}
	}
	out := sb.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "_" + out
	}
	return out
}
