package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/4thel00z/knnkd/internal"
	"github.com/spf13/cobra"
)

func NewRetrieveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retrieve <queries.jsonl>",
		Short: "Look up the nearest datastore entries for recorded queries",
		Args:  cobra.ExactArgs(1),
		RunE:  makeRetrieveRunner(a),
	}

	cmd.Flags().String("datastore", "", "Datastore directory (defaults to knn.datastore_path)")
	cmd.Flags().Int("k", 0, "Neighbours per query (defaults to knn.max_k)")
	cmd.Flags().Int("coarse-k", 0, "Pre-filter by encoder state with this many partitions")
	cmd.Flags().StringSlice("fields", nil, "Fields to return (default vals)")
	return cmd
}

func makeRetrieveRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		datastore, _ := cmd.Flags().GetString("datastore")
		k, _ := cmd.Flags().GetInt("k")
		coarseK, _ := cmd.Flags().GetInt("coarse-k")
		fields, _ := cmd.Flags().GetStringSlice("fields")

		queries, hiddens, err := readQueries(args[0])
		if err != nil {
			return err
		}

		uc := internal.NewRetrieveUseCase(a.cfg, a.logger, a.metrics)
		res, err := uc.Execute(cmd.Context(), internal.RetrieveInput{
			DatastorePath: datastore,
			Queries:       queries,
			Hiddens:       hiddens,
			K:             k,
			CoarseK:       coarseK,
			Fields:        fields,
		})
		if err != nil {
			return fmt.Errorf("retrieve: %w", err)
		}

		if wantJSON(cmd) {
			return writeJSON(cmd, res)
		}

		var rows [][]string
		for i := range res.Indices {
			for j, idx := range res.Indices[i] {
				val := "-"
				if res.Vals != nil {
					val = strconv.FormatInt(res.Vals[i][j], 10)
				}
				rows = append(rows, []string{
					strconv.Itoa(i),
					strconv.Itoa(j),
					strconv.FormatInt(idx, 10),
					strconv.FormatFloat(res.Distances[i][j], 'g', 6, 64),
					val,
				})
			}
		}
		renderTable(cmd.OutOrStdout(), []string{"QUERY", "RANK", "ENTRY", "DISTANCE", "VAL"}, rows)
		return nil
	}
}

// readQueries extracts decoder queries and, when every record has one,
// encoder states from a feature dump.
func readQueries(path string) ([][]float32, [][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open queries: %w", err)
	}
	defer f.Close()

	records, err := internal.ReadFeatureRecords(f)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	queries := make([][]float32, len(records))
	hiddens := make([][]float32, len(records))
	withHidden := true
	for i, rec := range records {
		queries[i] = rec.Query
		hiddens[i] = rec.Hidden
		withHidden = withHidden && rec.Hidden != nil
	}
	if !withHidden {
		hiddens = nil
	}
	return queries, hiddens, nil
}
