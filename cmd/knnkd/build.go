package main

import (
	"fmt"
	"strings"

	"github.com/4thel00z/knnkd/internal"
	"github.com/spf13/cobra"
)

func NewBuildCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <features.jsonl>",
		Short: "Build a datastore from recorded decoder outputs",
		Long: `Collect (query, target) pairs from a JSONL feature dump, index them and
write the datastore. Records carrying an encoder state also populate the
hiddens, hiddens_idx and partition files.`,
		Args: cobra.ExactArgs(1),
		RunE: makeBuildRunner(a),
	}

	cmd.Flags().String("datastore", "", "Datastore directory (defaults to knn.datastore_path)")
	cmd.Flags().Int("batch-size", 0, "Rows per decoder step (defaults to train.batch_size)")
	return cmd
}

func makeBuildRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		datastore, _ := cmd.Flags().GetString("datastore")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		uc := internal.NewBuildDatastoreUseCase(a.cfg, a.logger, a.metrics)
		out, err := uc.Execute(cmd.Context(), internal.BuildDatastoreInput{
			FeaturesPath:  args[0],
			DatastorePath: datastore,
			BatchSize:     batchSize,
		})
		if err != nil {
			return fmt.Errorf("build datastore: %w", err)
		}

		if wantJSON(cmd) {
			return writeJSON(cmd, out)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Built datastore with %d entries and %d partitions (fields: %s, indexed: %s)\n",
			out.Entries, out.Partitions, strings.Join(out.Fields, ", "), strings.Join(out.Indexes, ", "))
		return nil
	}
}
