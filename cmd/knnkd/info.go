package main

import (
	"fmt"
	"strconv"

	"github.com/4thel00z/knnkd/internal"
	"github.com/spf13/cobra"
)

func NewInfoCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show datastore fields and indexes",
		Args:  cobra.NoArgs,
		RunE:  makeInfoRunner(a),
	}

	cmd.Flags().String("datastore", "", "Datastore directory (defaults to knn.datastore_path)")
	return cmd
}

func makeInfoRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		datastore, _ := cmd.Flags().GetString("datastore")

		uc := internal.NewDatastoreInfoUseCase(a.cfg, a.logger)
		out, err := uc.Execute(cmd.Context(), internal.DatastoreInfoInput{DatastorePath: datastore})
		if err != nil {
			return fmt.Errorf("datastore info: %w", err)
		}

		if wantJSON(cmd) {
			return writeJSON(cmd, out)
		}

		rows := make([][]string, 0, len(out.Fields))
		for _, f := range out.Fields {
			index := string(f.Index)
			if index == "" {
				index = "-"
			}
			rows = append(rows, []string{f.Name, string(f.DType), strconv.Itoa(f.Dim), strconv.Itoa(f.Count), index})
		}
		renderTable(cmd.OutOrStdout(), []string{"FIELD", "DTYPE", "DIM", "COUNT", "INDEX"}, rows)
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d entries, %d partitions\n", out.Entries, out.Partitions)
		return nil
	}
}
