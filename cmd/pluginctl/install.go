package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amiko-app/plugin-runtime/catalog"
	"github.com/amiko-app/plugin-runtime/supervisor"
)

var installYes bool

var installCmd = &cobra.Command{
	Use:   "install [plugin-id [version]]",
	Short: "Install an approved plugin from the catalog",
	Long: `Downloads, verifies, and installs a plugin. With no arguments the
catalog's first approved plugin is taken; a plugin id without a version
takes that plugin's first listed version.

The plugin's requested permissions are shown before anything is written.
In a non-interactive session --yes is required.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runInstall,
}

func init() {
	installCmd.Flags().BoolVarP(&installYes, "yes", "y", false, "Install without prompting")
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	sel := supervisor.Selection{}
	if len(args) > 0 {
		sel.PluginID = args[0]
	}
	if len(args) > 1 {
		sel.Version = args[1]
	}

	// Resolve before installing so the prompt names the exact target.
	entries, err := a.mgr.ListApproved(cmd.Context())
	if err != nil {
		if errors.Is(err, catalog.ErrNotLoggedIn) {
			return fmt.Errorf("not logged in: set %s", a.cfg.Catalog.TokenEnv)
		}
		return err
	}
	entry, ok := supervisor.Resolve(entries, sel)
	if !ok {
		return errors.New("the catalog offers no approved plugins")
	}

	out := cmd.OutOrStdout()
	if !installYes {
		p := newPrompter(os.Stdin, out)
		if !p.interactive() {
			return errors.New("refusing to install without confirmation; pass --yes for non-interactive use")
		}
		fmt.Fprintf(out, "Plugin:      %s %s (%s)\n", entry.Name, entry.Version, entry.ID)
		fmt.Fprintf(out, "Permissions: %s\n", string(entry.Permissions))
		ok, err := p.confirm("Install?")
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("install canceled")
		}
	}

	st, err := a.mgr.Install(cmd.Context(), supervisor.Selection{
		PluginID: entry.ID,
		Version:  entry.Version,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Installed %s %s.\n", entry.ID, entry.Version)
	if st.Running {
		fmt.Fprintf(out, "Plugin host running (pid %d).\n", st.HostPID)
	} else if !st.Enabled {
		fmt.Fprintln(out, "Plugin execution is disabled; run 'pluginctl enable' to start it.")
	}
	return nil
}
