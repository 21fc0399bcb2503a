package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func NewRootCmd(version string, a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "knnkd",
		Short:         "Nearest-neighbour augmented translation and distillation",
		Long:          `Build kNN-MT datastores, train adaptive combiners and compute distillation losses over recorded decoder outputs.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	addPersistentFlags(rootCmd)
	setHelpWithExternals(rootCmd)

	if a != nil {
		rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "init" {
				return nil
			}
			scopeHint, _ := cmd.Flags().GetString("scope")
			configPath, _ := cmd.Flags().GetString("config")
			return a.load(scopeHint, configPath)
		}
		rootCmd.PersistentPostRunE = func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			path, _ := cmd.Flags().GetString("metrics-file")
			if path == "" {
				return nil
			}
			return writeMetrics(a.registry, path)
		}
		addSubcommands(rootCmd, a)
	}

	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("scope", "", "Target scope (global|project)")
	cmd.PersistentFlags().String("config", "", "Config file (defaults to the scope's config.yaml)")
	cmd.PersistentFlags().String("metrics-file", "", "Write Prometheus metrics to this file on exit")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func addSubcommands(root *cobra.Command, a *app) {
	root.AddCommand(
		NewInitCmd(),
		NewBuildCmd(a),
		NewInfoCmd(a),
		NewRetrieveCmd(a),
		NewCombineCmd(a),
		NewTrainAdapterCmd(a),
		NewDistillCmd(a),
		NewRecordCmd(a),
	)
}

func writeMetrics(registry *prometheus.Registry, path string) error {
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func setHelpWithExternals(cmd *cobra.Command) {
	defaultHelp := cmd.HelpFunc()

	cmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		defaultHelp(c, args)
		printExternalCommands(c)
	})
}

func printExternalCommands(cmd *cobra.Command) {
	externals := listExternalCommands()
	if len(externals) == 0 {
		return
	}

	fmt.Fprintln(cmd.OutOrStdout(), "\nExternal commands (knnkd-*):")
	for _, name := range externals {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
	}
}
