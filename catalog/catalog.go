// Package catalog speaks to the plugin catalog service and owns the shapes
// it serves: approved plugin entries and the manifest embedded in each
// bundle.
package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/amiko-app/plugin-runtime/wire"
)

// validate is a package-level singleton; constructing a validator per call
// is expensive.
var validate = validator.New()

// Entry is one approved plugin as listed by the catalog service. Entries
// are immutable; a changed plugin appears as a new version.
type Entry struct {
	ID      string `json:"id" validate:"required"`
	Version string `json:"version" validate:"required"`
	Name    string `json:"name" validate:"required"`
	// SHA256 is the hex digest of the plugin code. Installs verify the
	// downloaded bundle against it independently of the download response.
	SHA256 string `json:"sha256" validate:"required,min=16,hexadecimal"`
	// Permissions is the declared capability set, a JSON object or array.
	// It is carried verbatim; interpretation happens at host start.
	Permissions json.RawMessage `json:"permissions" validate:"required"`
}

// Validate reports whether the entry is well-formed enough to offer for
// installation. Entries failing this are dropped from listings.
func (e Entry) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid catalog entry: %w", err)
	}
	if !wire.ValidPermissions(e.Permissions) {
		return fmt.Errorf("invalid catalog entry: permissions must be a JSON object or array")
	}
	return nil
}

// FilterValid drops malformed entries, returning the survivors in order.
func FilterValid(entries []Entry) []Entry {
	valid := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Validate() == nil {
			valid = append(valid, e)
		}
	}
	return valid
}

// Bundle is the download response for one plugin version. All three fields
// must be present for the bundle to be installable.
type Bundle struct {
	// ManifestJSON is the raw manifest document, kept as served so its
	// hash-irrelevant formatting is preserved for diagnostics.
	ManifestJSON string `json:"manifest_json"`
	// Code is the plugin source text.
	Code string `json:"code"`
	// SHA256 is the digest the server claims for Code. Verified locally;
	// never trusted on its own.
	SHA256 string `json:"sha256"`
}

// Manifest is the author-provided descriptor embedded in a bundle. It is
// diagnostic only; installation decisions come from the catalog entry.
type Manifest struct {
	Name        string          `json:"name" validate:"required" jsonschema:"title=Plugin name,description=Human-readable plugin name shown in menus and status."`
	Version     string          `json:"version" validate:"required" jsonschema:"title=Plugin version,description=Version string matching the catalog listing."`
	Description string          `json:"description,omitempty" jsonschema:"title=Description,description=One-line summary shown to users before install."`
	Permissions json.RawMessage `json:"permissions,omitempty" jsonschema:"title=Requested permissions,description=Capability set the plugin asks for. Must be approved server-side."`
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}
	return &m, nil
}
