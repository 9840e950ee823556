// Package testutil provides shared fixtures for plugin runtime tests: an
// in-memory catalog service, canned plugin scripts, and an in-process
// plugin host that speaks the real supervisor protocol over pipes.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/amiko-app/plugin-runtime/catalog"
)

// Token is the bearer token the fake catalog accepts.
const Token = "test-token"

// Catalog is an in-memory catalog service backed by httptest. Plugins are
// registered with Add; the served listing and bundles stay consistent with
// each other unless a test deliberately corrupts one via SetBundle.
type Catalog struct {
	srv *httptest.Server

	mu      sync.Mutex
	entries []catalog.Entry
	bundles map[string]catalog.Bundle
}

// NewCatalog starts a fake catalog service wired into t's cleanup.
func NewCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := &Catalog{bundles: make(map[string]catalog.Bundle)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /plugins", c.handleList)
	mux.HandleFunc("GET /plugins/{id}/{version}", c.handleDownload)
	c.srv = httptest.NewServer(mux)
	t.Cleanup(c.srv.Close)
	return c
}

// URL is the service base URL.
func (c *Catalog) URL() string { return c.srv.URL }

// Client returns a catalog client authenticated against this service.
func (c *Catalog) Client() *catalog.Client {
	return catalog.NewClient(c.srv.URL, catalog.StaticToken(Token))
}

// Add lists a plugin whose bundle serves code. Both the entry hash and the
// server-reported hash are computed from code, so an install verifies
// cleanly. The entry is returned for assertions.
func (c *Catalog) Add(id, version, name, code string) catalog.Entry {
	entry := catalog.Entry{
		ID:          id,
		Version:     version,
		Name:        name,
		SHA256:      SHA256Hex(code),
		Permissions: json.RawMessage(`{}`),
	}
	b := catalog.Bundle{
		ManifestJSON: fmt.Sprintf(`{"name":%q,"version":%q}`, name, version),
		Code:         code,
		SHA256:       SHA256Hex(code),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	c.bundles[id+"@"+version] = b
	return entry
}

// AddEntry lists an entry verbatim, without a bundle. For tests around
// malformed listings.
func (c *Catalog) AddEntry(entry catalog.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

// SetBundle overrides the bundle served for id@version, e.g. to serve code
// that no longer matches the listed hash.
func (c *Catalog) SetBundle(id, version string, b catalog.Bundle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundles[id+"@"+version] = b
}

func (c *Catalog) handleList(w http.ResponseWriter, r *http.Request) {
	if !authed(w, r) {
		return
	}
	c.mu.Lock()
	entries := append([]catalog.Entry(nil), c.entries...)
	c.mu.Unlock()
	json.NewEncoder(w).Encode(entries)
}

func (c *Catalog) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !authed(w, r) {
		return
	}
	c.mu.Lock()
	b, ok := c.bundles[r.PathValue("id")+"@"+r.PathValue("version")]
	c.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	json.NewEncoder(w).Encode(b)
}

func authed(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+Token {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

// SHA256Hex returns the hex digest of code, the form catalog entries and
// bundles carry.
func SHA256Hex(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
