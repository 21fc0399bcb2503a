package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/4thel00z/knnkd/internal"
)

const e2eVocab = 5

// setupE2E initializes a project workspace with a fixed k=1 combiner over a
// flat index and writes a four-row feature dump.
func setupE2E(t *testing.T) (string, internal.Scope) {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	chdir(t, tmpDir)

	if _, err := runCLI(t, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	scope, ok := internal.NewScopeResolver().Project()
	if !ok {
		t.Fatal("project scope not found after init")
	}

	cfg := internal.DefaultConfig()
	cfg.KNN.VocabSize = e2eVocab
	cfg.KNN.MaxK = 1
	cfg.KNN.KType = internal.ParamFixed
	cfg.KNN.LambdaType = internal.ParamFixed
	cfg.KNN.TemperatureType = internal.ParamFixed
	cfg.KNN.Lambda = 0.5
	cfg.KNN.Index = internal.IndexOptions{Kind: internal.IndexFlat, Metric: internal.MetricL2}
	cfg.Train.BatchSize = 2
	cfg.Log.Level = "error"
	if err := internal.SaveConfig(scope, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	// pad index is 1, so targets skip it
	records := []internal.FeatureRecord{
		{Sentence: 7, Target: 0, Query: []float32{1, 0}, Hidden: []float32{1, 1}},
		{Sentence: 7, Target: 2, Query: []float32{0, 1}, Hidden: []float32{1, 1}},
		{Sentence: 9, Target: 3, Query: []float32{-1, 0}, Hidden: []float32{-1, -1}},
		{Sentence: 9, Target: 4, Query: []float32{0, -1}, Hidden: []float32{-1, -1}},
	}
	for i := range records {
		records[i].Logits = make([]float64, e2eVocab)
		records[i].TeacherLogits = make([]float64, e2eVocab)
		records[i].TeacherLogits[records[i].Target] = 3
		records[i].TeacherQuery = records[i].Query
	}

	path := filepath.Join(tmpDir, "features.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := internal.WriteFeatureRecords(f, records); err != nil {
		t.Fatal(err)
	}
	return path, scope
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test", newApp())
	root.SetArgs(args)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func TestE2EBuildAndCombine(t *testing.T) {
	features, scope := setupE2E(t)

	out, err := runCLI(t, "build", features)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(out, "4 entries and 2 partitions") {
		t.Errorf("unexpected build output: %q", out)
	}
	for _, name := range []string{internal.MetaFilename, internal.PartitionFilename, "keys.bin", "vals.bin", "hiddens.bin"} {
		if _, err := os.Stat(filepath.Join(scope.DatastorePath(), name)); err != nil {
			t.Errorf("%s missing: %v", name, err)
		}
	}

	out, err = runCLI(t, "info", "--json")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	var info internal.DatastoreInfoOutput
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Entries != 4 || info.Partitions != 2 {
		t.Errorf("info = %+v", info)
	}

	out, err = runCLI(t, "combine", "--json", features)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	var eval internal.EvaluateOutput
	if err := json.Unmarshal([]byte(out), &eval); err != nil {
		t.Fatalf("decode combine: %v", err)
	}
	if eval.Tokens != 4 {
		t.Errorf("tokens = %d, want 4", eval.Tokens)
	}
	if eval.CombinedAccuracy != 1 {
		t.Errorf("combined accuracy = %v, want 1", eval.CombinedAccuracy)
	}
	if math.Abs(eval.ModelNLL-math.Log(e2eVocab)) > 1e-9 {
		t.Errorf("model nll = %v, want log %d", eval.ModelNLL, e2eVocab)
	}
	// lambda 0.5 on an exact k=1 hit plus half of the uniform model
	if want := -math.Log(0.5 + 0.5/e2eVocab); math.Abs(eval.CombinedNLL-want) > 1e-6 {
		t.Errorf("combined nll = %v, want %v", eval.CombinedNLL, want)
	}
}

func TestE2ERetrieveWritesMetrics(t *testing.T) {
	features, _ := setupE2E(t)
	if _, err := runCLI(t, "build", features); err != nil {
		t.Fatalf("build: %v", err)
	}

	metricsPath := filepath.Join(t.TempDir(), "knnkd.prom")
	out, err := runCLI(t, "retrieve", "--json", "--metrics-file", metricsPath, features)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	var res internal.Retrieval
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode retrieval: %v", err)
	}
	for i, row := range res.Indices {
		if len(row) != 1 || row[0] != int64(i) {
			t.Errorf("query %d retrieved %v", i, row)
		}
		if res.Distances[i][0] > 1e-6 {
			t.Errorf("query %d distance %v", i, res.Distances[i][0])
		}
	}

	data, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(data), `knnkd_retrieval_queries_total{mode="full"} 4`) {
		t.Errorf("metrics missing retrieval counter:\n%s", data)
	}
}

func TestE2ETrainAdapterThenCombine(t *testing.T) {
	features, scope := setupE2E(t)
	if _, err := runCLI(t, "build", features); err != nil {
		t.Fatalf("build: %v", err)
	}

	cfg, err := internal.LoadConfigFile(scope.ConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	cfg.KNN.MaxK = 2
	cfg.KNN.KType = internal.ParamTrainable
	cfg.KNN.LambdaType = internal.ParamTrainable
	cfg.KNN.TemperatureType = internal.ParamTrainable
	cfg.Train.Epochs = 2
	cfg.Train.ValidFraction = 0.25
	alt := internal.Scope{Dir: t.TempDir()}
	if err := internal.SaveConfig(alt, cfg); err != nil {
		t.Fatal(err)
	}
	adaptive := alt.ConfigPath()

	if _, err := runCLI(t, "combine", "--config", adaptive, features); err == nil {
		t.Fatal("expected combine to fail before any combiner is trained")
	}

	out, err := runCLI(t, "train-adapter", "--config", adaptive, "--json", features)
	if err != nil {
		t.Fatalf("train-adapter: %v", err)
	}
	var report internal.TrainReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Epochs) != 2 || report.RunID == "" {
		t.Errorf("report = %+v", report)
	}
	if _, err := os.Stat(filepath.Join(scope.CombinerPath(), internal.CombinerFilename)); err != nil {
		t.Fatalf("checkpoint missing: %v", err)
	}

	if _, err := runCLI(t, "combine", "--config", adaptive, features); err != nil {
		t.Fatalf("combine with trained combiner: %v", err)
	}
}

func TestE2EDistillAndRecord(t *testing.T) {
	features, scope := setupE2E(t)
	if _, err := runCLI(t, "build", features); err != nil {
		t.Fatalf("build: %v", err)
	}

	for _, strategy := range []string{"normal", "direct", "adapter_direct"} {
		out, err := runCLI(t, "distill", "--json", "--strategy", strategy, features)
		if err != nil {
			t.Fatalf("distill %s: %v", strategy, err)
		}
		var summary internal.DistillSummary
		if err := json.Unmarshal([]byte(out), &summary); err != nil {
			t.Fatalf("decode %s: %v", strategy, err)
		}
		if string(summary.Strategy) != strategy || summary.Tokens != 4 {
			t.Errorf("%s summary = %+v", strategy, summary)
		}
		if strategy == "adapter_direct" && summary.Distilled != 4 {
			t.Errorf("adapter_direct distilled %d rows, want 4", summary.Distilled)
		}
	}

	if _, err := runCLI(t, "record", "--topk", "2", features); err != nil {
		t.Fatalf("record: %v", err)
	}
	for _, name := range []string{internal.GoldenTargetsFilename, internal.TeacherPredsFilename(2), internal.StudentPredsFilename(2)} {
		data, err := os.ReadFile(filepath.Join(scope.ResultPath(), name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if lines := strings.Count(string(data), "\n"); lines != 4 {
			t.Errorf("%s has %d lines, want 4", name, lines)
		}
	}
}

func TestE2ERejectsInvalidConfig(t *testing.T) {
	features, scope := setupE2E(t)

	cfg, err := internal.LoadConfig(scope)
	if err != nil {
		t.Fatal(err)
	}
	cfg.KNN.Lambda = 2
	if err := internal.SaveConfig(scope, cfg); err != nil {
		t.Fatal(err)
	}

	for _, args := range [][]string{
		{"build", features},
		{"info"},
		{"combine", features},
		{"distill", features},
		{"record", features},
	} {
		_, err := runCLI(t, args...)
		if !errors.Is(err, internal.ErrInvalidConfig) {
			t.Errorf("%s: expected invalid config error, got %v", args[0], err)
		}
	}
}
