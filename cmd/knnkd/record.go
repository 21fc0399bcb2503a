package main

import (
	"fmt"

	"github.com/4thel00z/knnkd/internal"
	"github.com/spf13/cobra"
)

func NewRecordCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record <features.jsonl>",
		Short: "Record teacher and student top-k predictions",
		Long: `Append the teacher's and student's top-k token ids and the gold targets
to distill.result_path, one line per non-pad row.`,
		Args: cobra.ExactArgs(1),
		RunE: makeRecordRunner(a),
	}

	cmd.Flags().Int("topk", 0, "Override distill.topk")
	cmd.Flags().Int("batch-size", 0, "Rows per step (defaults to train.batch_size)")
	return cmd
}

func makeRecordRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if k, _ := cmd.Flags().GetInt("topk"); k > 0 {
			a.cfg.Distill.TopK = k
		}
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		uc := internal.NewRecordUseCase(a.cfg, a.logger)
		out, err := uc.Execute(cmd.Context(), internal.RecordInput{FeaturesPath: args[0], BatchSize: batchSize})
		if err != nil {
			return fmt.Errorf("record: %w", err)
		}

		if wantJSON(cmd) {
			return writeJSON(cmd, out)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d rows to %s (mle loss %.4f)\n", out.Rows, out.Dir, out.MLELoss)
		return nil
	}
}
