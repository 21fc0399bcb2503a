package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/4thel00z/knnkd/internal"
	"github.com/spf13/cobra"
)

func NewCombineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "combine <features.jsonl>",
		Short: "Evaluate retrieval-augmented probabilities",
		Long: `Interpolate the recorded model distribution with the kNN distribution and
report gold-token NLL and accuracy for both. The combiner is the fixed one
when k, lambda and temperature are all fixed, else the trained adaptive
combiner from knn.combiner_path.`,
		Args: cobra.ExactArgs(1),
		RunE: makeCombineRunner(a),
	}

	cmd.Flags().Int("batch-size", 0, "Rows per decoder step (defaults to train.batch_size)")
	cmd.Flags().Bool("watch-combiner", false, "Re-evaluate whenever the combiner checkpoint changes")
	cmd.Flags().Duration("debounce", 500*time.Millisecond, "Debounce window for checkpoint changes")
	return cmd
}

func makeCombineRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		watch, _ := cmd.Flags().GetBool("watch-combiner")
		debounce, _ := cmd.Flags().GetDuration("debounce")

		uc := internal.NewCombineUseCase(a.cfg, a.logger, a.metrics)
		input := internal.EvaluateInput{FeaturesPath: args[0], BatchSize: batchSize}

		out, err := uc.Execute(cmd.Context(), input)
		if err != nil {
			return fmt.Errorf("combine: %w", err)
		}
		if err := printEvaluation(cmd, out); err != nil {
			return err
		}
		if !watch {
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for combiner updates...\n", a.cfg.KNN.CombinerPath)
		return internal.WatchCombiner(ctx, a.cfg.KNN.CombinerPath, debounce, a.logger, func(c *internal.AdaptiveCombiner) {
			uc.SetCombiner(c)
			out, err := uc.Execute(ctx, input)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "combine: %v\n", err)
				return
			}
			_ = printEvaluation(cmd, out)
		})
	}
}

func printEvaluation(cmd *cobra.Command, out *internal.EvaluateOutput) error {
	if wantJSON(cmd) {
		return writeJSON(cmd, out)
	}
	writeEvaluation(cmd.OutOrStdout(), out)
	return nil
}

func writeEvaluation(w io.Writer, out *internal.EvaluateOutput) {
	renderTable(w, []string{"", "NLL", "PPL", "ACCURACY"}, [][]string{
		{"model", fmt.Sprintf("%.4f", out.ModelNLL), fmt.Sprintf("%.2f", internal.Perplexity(out.ModelNLL)), fmt.Sprintf("%.4f", out.ModelAccuracy)},
		{"combined", fmt.Sprintf("%.4f", out.CombinedNLL), fmt.Sprintf("%.2f", internal.Perplexity(out.CombinedNLL)), fmt.Sprintf("%.4f", out.CombinedAccuracy)},
	})
	fmt.Fprintf(w, "\n%d tokens\n", out.Tokens)
}
