package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/amiko-app/plugin-runtime/bundle"
	"github.com/amiko-app/plugin-runtime/catalog"
	"github.com/amiko-app/plugin-runtime/state"
)

// ListApproved fetches the catalog and returns only well-formed entries;
// malformed ones are dropped, not surfaced.
func (m *Manager) ListApproved(ctx context.Context) ([]catalog.Entry, error) {
	entries, err := m.cat.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list approved plugins: %w", err)
	}
	valid := catalog.FilterValid(entries)
	if dropped := len(entries) - len(valid); dropped > 0 {
		m.log.Warn("dropping malformed catalog entries", "dropped", dropped)
	}
	return valid, nil
}

// Resolve picks the entry an installation of sel targets: the exact
// (id, version) match, else the first entry carrying the id, else the
// catalog's first entry. ok is false only when entries is empty.
func Resolve(entries []catalog.Entry, sel Selection) (catalog.Entry, bool) {
	for _, e := range entries {
		if e.ID == sel.PluginID && e.Version == sel.Version {
			return e, true
		}
	}
	for _, e := range entries {
		if e.ID == sel.PluginID {
			return e, true
		}
	}
	if len(entries) > 0 {
		return entries[0], true
	}
	return catalog.Entry{}, false
}

// Install downloads, verifies, and records a plugin, then brings the host
// in line: a permitted install (re)starts the host on the new bundle, a
// gated one tears any host down but keeps the installed reference. The
// whole flow is one critical section; concurrent installs serialize.
func (m *Manager) Install(ctx context.Context, sel Selection) (Status, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	entries, err := m.ListApproved(ctx)
	if err != nil {
		return m.Status(), err
	}
	entry, ok := Resolve(entries, sel)
	if !ok {
		return m.Status(), newError(CodeNoApprovedPlugins, "catalog offers no approved plugins")
	}

	b, err := m.cat.Download(ctx, entry.ID, entry.Version)
	if err != nil {
		return m.Status(), fmt.Errorf("download plugin %s@%s: %w", entry.ID, entry.Version, err)
	}
	path, err := m.bundles.Install(entry, b)
	if err != nil {
		if errors.Is(err, bundle.ErrHashMismatch) {
			return m.Status(), wrapError(CodeHashMismatch, err, "verify plugin %s@%s", entry.ID, entry.Version)
		}
		return m.Status(), fmt.Errorf("store plugin %s@%s: %w", entry.ID, entry.Version, err)
	}

	// The manifest echo is diagnostic only: a divergent manifest never
	// blocks an install that passed hash verification.
	if man, err := catalog.ParseManifest([]byte(b.ManifestJSON)); err != nil {
		m.log.Warn("bundle manifest is malformed", "plugin", entry.ID, "error", err)
	} else if man.Name != entry.Name || man.Version != entry.Version {
		m.log.Warn("bundle manifest disagrees with catalog entry",
			"plugin", entry.ID,
			"manifest_name", man.Name, "manifest_version", man.Version,
			"catalog_name", entry.Name, "catalog_version", entry.Version)
	}

	m.mu.Lock()
	next := m.st
	next.Installed = &state.InstalledRef{
		ID:          entry.ID,
		Version:     entry.Version,
		Name:        entry.Name,
		SHA256:      entry.SHA256,
		Permissions: entry.Permissions,
	}
	m.mu.Unlock()
	if err := m.store.Save(next); err != nil {
		return m.Status(), fmt.Errorf("persist plugin state: %w", err)
	}
	m.mu.Lock()
	m.st = next
	allowed := m.executionAllowedLocked()
	m.mu.Unlock()

	// Any running host belongs to the previous bundle; replace it.
	m.stopHost(newError(CodeHostStopped, "plugin host replaced by install"))
	if allowed {
		if err := m.startHost(ctx); err != nil {
			return m.Status(), err
		}
	}
	m.log.Info("plugin installed", "plugin", entry.ID, "version", entry.Version, "path", path)
	return m.Status(), nil
}
