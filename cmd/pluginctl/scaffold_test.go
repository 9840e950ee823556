package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amiko-app/plugin-runtime/catalog"
)

func TestScaffoldPlugin(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "weather")

	files, err := scaffoldPlugin(dir, "weather", "Weather")
	require.NoError(t, err)
	require.Len(t, files, 2)

	code, err := os.ReadFile(filepath.Join(dir, "plugin.js"))
	require.NoError(t, err)
	assert.Contains(t, string(code), `addMenuItem({ id: "weather.hello"`)
	assert.Contains(t, string(code), `say("Hello from Weather!")`)

	// The generated manifest must pass the same validation installs use.
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	man, err := catalog.ParseManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, "Weather", man.Name)
	assert.Equal(t, "0.1.0", man.Version)
}

func TestScaffoldRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.js"), []byte("say('hi');\n"), 0o644))

	_, err := scaffoldPlugin(dir, "demo", "Demo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
