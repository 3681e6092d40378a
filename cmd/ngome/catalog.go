package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/identity"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the tool catalog",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Parse a catalog file and list the tools it publishes",
	Long: `Validates a catalog file the same way the gateway does on load and
reload. Defaults to catalog.path from the config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := cfg.Catalog.Path
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no catalog path given")
		}
		t, err := catalog.LoadFile(path, cfg.Identity.SuperuserRole)
		if err != nil {
			return err
		}
		return printCatalog(cmd.OutOrStdout(), t)
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd)
}

func printCatalog(w io.Writer, t *catalog.Table) error {
	all := t.ToolsFor(&identity.Identity{Roles: []string{t.SuperuserRole()}})
	for i := range all {
		set := &all[i]
		fmt.Fprintf(w, "%s (role %s, %s)\n", set.Name, set.RequiredRole, set.Endpoint)
		for _, tool := range set.Tools {
			fmt.Fprintf(w, "  %s\n", set.QualifiedName(tool.Name))
		}
	}
	_, err := fmt.Fprintf(w, "ok: %d tool sets, digest %s\n", t.Len(), t.Digest())
	return err
}
