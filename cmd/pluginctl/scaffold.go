package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
)

var (
	initID   string
	initName string
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Scaffold a starter plugin",
	Long: `Creates a plugin.js and manifest.json starter in the given directory
(default: the current one). The plugin id defaults to the directory
name.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScaffold,
}

func init() {
	initCmd.Flags().StringVar(&initID, "id", "", "Plugin id (default: directory name)")
	initCmd.Flags().StringVar(&initName, "name", "", "Human-readable plugin name (default: the id)")
}

func runScaffold(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	id := initID
	if id == "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("resolve target directory: %w", err)
		}
		id = filepath.Base(abs)
	}
	name := initName
	if name == "" {
		name = id
	}

	files, err := scaffoldPlugin(dir, id, name)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", f)
	}
	return nil
}

const manifestTemplate = `{
  "name": "{{.Name}}",
  "version": "0.1.0",
  "description": "Starter plugin scaffolded by pluginctl",
  "permissions": {}
}
`

const pluginTemplate = `// {{.Name}}: a starter plugin.
//
// The sandbox exposes four functions: say(text), suggestion(text),
// addMenuItem({ id, label }) and onMenuClick(id, handler). Everything
// else from the host environment is unavailable.

addMenuItem({ id: "{{.ID}}.hello", label: "Say hello" });

onMenuClick("{{.ID}}.hello", function () {
  say("Hello from {{.Name}}!");
});
`

type scaffoldData struct {
	ID   string
	Name string
}

// scaffoldPlugin writes the starter files into dir and returns their
// paths. It refuses to overwrite an existing plugin.js.
func scaffoldPlugin(dir, id, name string) ([]string, error) {
	entry := filepath.Join(dir, "plugin.js")
	if _, err := os.Stat(entry); err == nil {
		return nil, fmt.Errorf("%s already exists", entry)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugin directory: %w", err)
	}

	data := scaffoldData{ID: id, Name: name}
	targets := []struct {
		path string
		tmpl string
	}{
		{entry, pluginTemplate},
		{filepath.Join(dir, "manifest.json"), manifestTemplate},
	}

	var written []string
	for _, target := range targets {
		rendered, err := renderTemplate(filepath.Base(target.path), target.tmpl, data)
		if err != nil {
			return written, err
		}
		if err := os.WriteFile(target.path, rendered, 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", target.path, err)
		}
		written = append(written, target.path)
	}
	return written, nil
}

func renderTemplate(tmplName, raw string, data scaffoldData) ([]byte, error) {
	tmpl, err := template.New(tmplName).Option("missingkey=error").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", tmplName, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", tmplName, err)
	}
	return buf.Bytes(), nil
}
