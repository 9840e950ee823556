package supervisor

import (
	"context"

	"github.com/amiko-app/plugin-runtime/catalog"
	"github.com/amiko-app/plugin-runtime/state"
	"github.com/amiko-app/plugin-runtime/wire"
)

// CatalogClient is the slice of the catalog service the manager consumes.
// *catalog.Client satisfies it; tests substitute fakes.
type CatalogClient interface {
	List(ctx context.Context) ([]catalog.Entry, error)
	Download(ctx context.Context, id, version string) (*catalog.Bundle, error)
}

// Selection names the plugin an Install targets. Version may be empty to
// take the newest listed version of PluginID; the zero value takes the
// catalog's first entry.
type Selection struct {
	PluginID string `json:"pluginId,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Status is a point-in-time snapshot of the subsystem, shaped for direct
// serialization toward the embedding application's UI layer.
type Status struct {
	Enabled   bool                `json:"enabled"`
	Installed *state.InstalledRef `json:"installed,omitempty"`
	Running   bool                `json:"running"`
	MenuItems []wire.MenuItem     `json:"menuItems"`
	LastError string              `json:"lastError,omitempty"`

	// HostPID and HostMemoryBytes describe the live host process. Both are
	// zero when no host runs; HostMemoryBytes is also zero when sampling
	// failed or the host is not process-backed.
	HostPID         int    `json:"hostPid,omitempty"`
	HostMemoryBytes uint64 `json:"hostMemoryBytes,omitempty"`
}

// ClickResult is the outcome of a successfully settled menu click.
type ClickResult struct {
	OK bool `json:"ok"`
}

// OutputType tags plugin output fanned out to subscribers.
type OutputType string

const (
	OutputSay        OutputType = "say"
	OutputSuggestion OutputType = "suggestion"
)

// OutputEvent is one piece of plugin output: speech or a suggestion chip,
// already re-clipped to the wire limits.
type OutputEvent struct {
	Type     OutputType `json:"type"`
	PluginID string     `json:"pluginId"`
	Text     string     `json:"text"`
}
