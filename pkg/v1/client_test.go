package v1

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/4thel00z/knnkd/internal"
	"github.com/go-git/go-billy/v5/osfs"
)

const testVocab = 4

var testKeys = [][]float32{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}

// setupClientTest creates a project workspace whose datastore maps each
// unit vector to its own token.
func setupClientTest(t *testing.T, fixed bool) internal.Scope {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", t.TempDir())

	origWd, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	scope := internal.Scope{
		Type: internal.ScopeProject,
		Path: tmpDir,
		Dir:  filepath.Join(tmpDir, internal.WorkspaceDirName),
	}
	if err := internal.NewScopeResolver().Init(scope); err != nil {
		t.Fatalf("init scope: %v", err)
	}

	cfg := internal.DefaultConfig()
	cfg.KNN.VocabSize = testVocab
	cfg.KNN.PadIndex = -1
	cfg.KNN.MaxK = 2
	cfg.KNN.Lambda = 1
	cfg.KNN.Temperature = 1
	cfg.KNN.Index = internal.IndexOptions{Kind: internal.IndexFlat, Metric: internal.MetricL2}
	if fixed {
		cfg.KNN.KType = internal.ParamFixed
		cfg.KNN.LambdaType = internal.ParamFixed
		cfg.KNN.TemperatureType = internal.ParamFixed
	}
	if err := internal.SaveConfig(scope, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	ctx := context.Background()
	ds, err := internal.NewDatastore(osfs.New(scope.DatastorePath()))
	if err != nil {
		t.Fatal(err)
	}
	for i, key := range testKeys {
		if err := ds.Add(ctx, key, int64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := ds.BuildIndex(ctx, internal.FieldKeys, cfg.KNN.Index); err != nil {
		t.Fatal(err)
	}
	if err := ds.Save(ctx); err != nil {
		t.Fatal(err)
	}
	return scope
}

func TestClientRetrieve(t *testing.T) {
	setupClientTest(t, true)

	client, err := New(context.Background())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	got, err := client.Retrieve(context.Background(), testKeys, 1)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	for i, row := range got {
		if len(row) != 1 {
			t.Fatalf("query %d: %d neighbours", i, len(row))
		}
		if row[0].Entry != int64(i) || row[0].Token != int64(i) || row[0].Distance > 1e-6 {
			t.Errorf("query %d: %+v", i, row[0])
		}
	}
}

func TestClientCombine(t *testing.T) {
	setupClientTest(t, true)

	client, err := New(context.Background())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	logits := make([][]float64, len(testKeys))
	for i := range logits {
		logits[i] = make([]float64, testVocab)
	}
	got, err := client.Combine(context.Background(), Step{Queries: testKeys, Logits: logits})
	if err != nil {
		t.Fatalf("combine: %v", err)
	}

	// lambda 1: only the two nearest entries carry mass, the exact hit
	// with weight 1/(1+e^-2)
	want := 1 / (1 + math.Exp(-2))
	for i, row := range got {
		var sum float64
		for _, lp := range row {
			sum += math.Exp(lp)
		}
		if math.Abs(sum-1) > 1e-6 {
			t.Errorf("row %d sums to %v", i, sum)
		}
		if math.Abs(math.Exp(row[i])-want) > 1e-6 {
			t.Errorf("row %d gold prob = %v, want %v", i, math.Exp(row[i]), want)
		}
	}
}

func TestClientCombineShapeMismatch(t *testing.T) {
	setupClientTest(t, true)

	client, err := New(context.Background())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	_, err = client.Combine(context.Background(), Step{Queries: testKeys, Logits: [][]float64{{0, 0, 0, 0}}})
	if err == nil {
		t.Error("expected error for mismatched rows")
	}
}

func TestClientAdaptiveNeedsCheckpoint(t *testing.T) {
	setupClientTest(t, false)

	_, err := New(context.Background())
	if !errors.Is(err, internal.ErrNoCombiner) {
		t.Fatalf("expected ErrNoCombiner, got %v", err)
	}
}

func TestClientReload(t *testing.T) {
	scope := setupClientTest(t, false)

	cfg, err := internal.LoadConfig(scope)
	if err != nil {
		t.Fatal(err)
	}
	combiner, err := internal.NewAdaptiveCombiner(cfg.AdaptiveCombinerConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := combiner.Save(osfs.New(scope.CombinerPath())); err != nil {
		t.Fatal(err)
	}

	client, err := New(context.Background())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	if err := client.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := os.Remove(filepath.Join(scope.CombinerPath(), internal.CombinerFilename)); err != nil {
		t.Fatal(err)
	}
	if err := client.Reload(); !errors.Is(err, internal.ErrNoCombiner) {
		t.Errorf("expected ErrNoCombiner after removing the checkpoint, got %v", err)
	}
}
