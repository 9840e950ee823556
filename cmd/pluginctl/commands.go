package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/amiko-app/plugin-runtime/catalog"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the plugin subsystem state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	st := a.mgr.Status()
	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, st)
	}

	fmt.Fprintf(out, "Enabled:   %v\n", st.Enabled)
	if st.Installed != nil {
		fmt.Fprintf(out, "Installed: %s %s (%s)\n", st.Installed.Name, st.Installed.Version, st.Installed.ID)
	} else {
		fmt.Fprintln(out, "Installed: none")
	}
	switch {
	case st.Running && st.HostMemoryBytes > 0:
		fmt.Fprintf(out, "Running:   yes (pid %d, %s)\n", st.HostPID, humanize.IBytes(st.HostMemoryBytes))
	case st.Running:
		fmt.Fprintf(out, "Running:   yes (pid %d)\n", st.HostPID)
	default:
		fmt.Fprintln(out, "Running:   no")
	}
	for _, item := range st.MenuItems {
		fmt.Fprintf(out, "Menu:      %s (%s)\n", item.Label, item.ID)
	}
	if st.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", st.LastError)
	}
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List approved plugins from the catalog",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	entries, err := a.mgr.ListApproved(cmd.Context())
	if err != nil {
		if errors.Is(err, catalog.ErrNotLoggedIn) {
			return fmt.Errorf("not logged in: set %s", a.cfg.Catalog.TokenEnv)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No approved plugins.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tNAME")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.Version, e.Name)
	}
	return w.Flush()
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Allow plugin execution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setEnabled(cmd, true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Stop plugin execution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setEnabled(cmd, false)
	},
}

func setEnabled(cmd *cobra.Command, enabled bool) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.mgr.SetEnabled(cmd.Context(), enabled)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if enabled {
		fmt.Fprintln(out, "Plugin execution enabled.")
	} else {
		fmt.Fprintln(out, "Plugin execution disabled.")
	}
	if enabled && st.LastError != "" {
		fmt.Fprintf(out, "Warning: plugin host did not start: %s\n", st.LastError)
	}
	return nil
}

var clickCmd = &cobra.Command{
	Use:   "click <menu-id>",
	Short: "Dispatch a menu click into the running plugin",
	Args:  cobra.ExactArgs(1),
	RunE:  runClick,
}

func runClick(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	st := a.mgr.Status()
	if st.Installed == nil {
		return errors.New("no plugin installed")
	}

	// Subscribe first so output produced by the handler is not lost.
	events, unsubscribe := a.mgr.Subscribe()
	defer unsubscribe()

	res, err := a.mgr.ClickMenuItem(cmd.Context(), st.Installed.ID, args[0])
	if err != nil {
		return fmt.Errorf("menu click failed: %w", err)
	}

	out := cmd.OutOrStdout()
	for {
		select {
		case ev := <-events:
			fmt.Fprintf(out, "[%s] %s\n", ev.Type, ev.Text)
		default:
			fmt.Fprintf(out, "Click handled (ok=%v)\n", res.OK)
			return nil
		}
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream plugin output until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	st := a.mgr.Status()
	out := cmd.OutOrStdout()
	if !st.Running {
		fmt.Fprintln(out, "Note: no plugin host is running; nothing will arrive until one is enabled.")
	}

	events, unsubscribe := a.mgr.Subscribe()
	defer unsubscribe()

	fmt.Fprintln(out, "Watching plugin output; interrupt to stop.")
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "[%s] %s: %s\n", ev.Type, ev.PluginID, ev.Text)
		}
	}
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the plugin manifest JSON Schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		schema, err := catalog.ManifestSchema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
		return err
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
