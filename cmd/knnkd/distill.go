package main

import (
	"fmt"

	"github.com/4thel00z/knnkd/internal"
	"github.com/spf13/cobra"
)

func NewDistillCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "distill <features.jsonl>",
		Short: "Compute the distillation loss over recorded outputs",
		Long: `Evaluate the distillation criterion (normal, direct or adapter_direct)
on student logits, using recorded teacher logits and, for adapter_direct,
retrieval over the datastore with the teacher query.`,
		Args: cobra.ExactArgs(1),
		RunE: makeDistillRunner(a),
	}

	cmd.Flags().String("strategy", "", "Override distill.strategy (normal|direct|adapter_direct)")
	cmd.Flags().Int("batch-size", 0, "Rows per step (defaults to train.batch_size)")
	return cmd
}

func makeDistillRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if s, _ := cmd.Flags().GetString("strategy"); s != "" {
			strategy, err := internal.ParseStrategy(s)
			if err != nil {
				return err
			}
			a.cfg.Distill.Strategy = strategy
		}
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		uc := internal.NewDistillUseCase(a.cfg, a.logger, a.metrics)
		out, err := uc.Execute(cmd.Context(), internal.DistillInputFile{FeaturesPath: args[0], BatchSize: batchSize})
		if err != nil {
			return fmt.Errorf("distill: %w", err)
		}

		if wantJSON(cmd) {
			return writeJSON(cmd, out)
		}

		tokens := max(out.Tokens, 1)
		renderTable(cmd.OutOrStdout(), []string{"STRATEGY", "LOSS/TOK", "NLL/TOK", "GOLD", "KD", "TOKENS", "DISTILLED"}, [][]string{{
			string(out.Strategy),
			fmt.Sprintf("%.4f", out.Loss/float64(tokens)),
			fmt.Sprintf("%.4f", out.NLLLoss/float64(tokens)),
			fmt.Sprintf("%.4f", out.GoldLoss),
			fmt.Sprintf("%.4f", out.KDLoss),
			fmt.Sprint(out.Tokens),
			fmt.Sprint(out.Distilled),
		}})
		return nil
	}
}
