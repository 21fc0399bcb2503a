package main

import (
	"fmt"
	"strconv"

	"github.com/4thel00z/knnkd/internal"
	"github.com/spf13/cobra"
)

func NewTrainAdapterCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train-adapter <features.jsonl>",
		Short: "Train the adaptive combiner",
		Long: `Fit the meta-k network on recorded decoder outputs against the datastore.
The checkpoint in knn.combiner_path is rewritten whenever the validation
loss improves.`,
		Args: cobra.ExactArgs(1),
		RunE: makeTrainAdapterRunner(a),
	}

	cmd.Flags().Int("epochs", 0, "Override train.epochs")
	cmd.Flags().Float64("lr", 0, "Override train.lr")
	return cmd
}

func makeTrainAdapterRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if epochs, _ := cmd.Flags().GetInt("epochs"); epochs > 0 {
			a.cfg.Train.Epochs = epochs
		}
		if lr, _ := cmd.Flags().GetFloat64("lr"); lr > 0 {
			a.cfg.Train.LearningRate = lr
		}
		a.cfg.KNN.Mode = internal.ModeTrainMetaK
		if err := a.cfg.Validate(); err != nil {
			return err
		}

		uc := internal.NewTrainAdapterUseCase(a.cfg, a.logger, a.metrics)
		report, err := uc.Execute(cmd.Context(), internal.TrainAdapterInput{FeaturesPath: args[0]})
		if err != nil {
			return fmt.Errorf("train adapter: %w", err)
		}

		if wantJSON(cmd) {
			return writeJSON(cmd, report)
		}

		rows := make([][]string, 0, len(report.Epochs))
		for _, ep := range report.Epochs {
			best := ""
			if ep.Improved {
				best = "*"
			}
			rows = append(rows, []string{
				strconv.Itoa(ep.Epoch),
				fmt.Sprintf("%.4f", ep.TrainLoss),
				fmt.Sprintf("%.4f", ep.ValidLoss),
				best,
			})
		}
		renderTable(cmd.OutOrStdout(), []string{"EPOCH", "TRAIN", "VALID", "BEST"}, rows)
		fmt.Fprintf(cmd.OutOrStdout(), "\nrun %s: best valid loss %.4f, checkpoint in %s\n",
			report.RunID, report.BestValidLoss, a.cfg.KNN.CombinerPath)
		return nil
	}
}
