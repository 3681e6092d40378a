package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/skillloader"
	"github.com/jkaninda/ngome/internal/skills"
	"github.com/jkaninda/ngome/internal/workspace"
)

var (
	skillsTenant    string
	skillsSandbox   string
	skillsOverwrite bool
)

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "Manage the skills library",
}

var skillsImportCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import Markdown skill definitions into a tenant workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		scope := workspace.Scope{Tenant: skillsTenant, Sandbox: skillsSandbox}
		if scope.Sandbox == "" {
			scope.Sandbox = cfg.Server.DefaultSandbox
		}

		defs, loaded, err := skillloader.NewLoader(logger).LoadDir(args[0])
		if err != nil {
			return err
		}
		store, err := initWorkspace(&cfg.Workspace, logger)
		if err != nil {
			return fmt.Errorf("initializing workspace: %w", err)
		}
		reg := skills.NewRegistry(store, logger)

		res := skillloader.Import(cmd.Context(), reg, scope, defs, skillsOverwrite, logger)
		out := cmd.OutOrStdout()
		for _, e := range append(loaded.Errors, res.Errors...) {
			fmt.Fprintf(out, "error: %s: %s\n", e.File, e.Message)
		}
		fmt.Fprintf(out, "%s: %d created, %d updated, %d skipped, %d failed\n", scope,
			res.Count(skillloader.Created), res.Count(skillloader.Updated),
			res.Count(skillloader.Skipped), res.Count(skillloader.Failed)+len(loaded.Errors))
		if len(loaded.Errors)+len(res.Errors) > 0 {
			return fmt.Errorf("%d skill definitions failed", len(loaded.Errors)+len(res.Errors))
		}
		return nil
	},
}

func init() {
	f := skillsImportCmd.Flags()
	f.StringVar(&skillsTenant, "tenant", "", "tenant owning the skills (required)")
	f.StringVar(&skillsSandbox, "sandbox", "", "sandbox within the tenant (default: server.default_sandbox)")
	f.BoolVar(&skillsOverwrite, "overwrite", false, "update skills that already exist")
	_ = skillsImportCmd.MarkFlagRequired("tenant")

	skillsCmd.AddCommand(skillsImportCmd)
}
