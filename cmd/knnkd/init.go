package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/4thel00z/knnkd/internal"
	"github.com/spf13/cobra"
)

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a knnkd workspace",
		Long:  `Initialize a .knnkd directory with a default config and datastore, combiner and result directories.`,
		RunE:  runInit,
	}

	cmd.Flags().Bool("global", false, "Initialize global scope (~/.knnkd)")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	isGlobal, _ := cmd.Flags().GetBool("global")

	resolver := internal.NewScopeResolver()

	var scope internal.Scope
	if isGlobal {
		scope = resolver.Global()
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		scope = internal.Scope{
			Type: internal.ScopeProject,
			Path: cwd,
			Dir:  filepath.Join(cwd, internal.WorkspaceDirName),
		}
	}

	if _, err := os.Stat(scope.Dir); err == nil {
		return fmt.Errorf("already initialized at %s", scope.Dir)
	}

	if err := resolver.Init(scope); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	cfg := internal.DefaultConfig()
	if err := internal.SaveConfig(scope, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized knnkd workspace at %s\n", scope.Dir)
	return nil
}
