package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeInference, cfg.KNN.Mode)
	assert.Equal(t, 8, cfg.KNN.MaxK)
	assert.Equal(t, DTypeFloat16, cfg.KNN.KeyDType)
	assert.Equal(t, IndexHNSW, cfg.KNN.Index.Kind)
	assert.Equal(t, StrategyDirect, cfg.Distill.Strategy)
	assert.Equal(t, 2.0, cfg.Distill.KDWeight)
	assert.Equal(t, 0.999, cfg.Distill.TeacherLambda)
	assert.Equal(t, 100.0, cfg.Distill.TeacherTemperature)
}

func testScope(t *testing.T) Scope {
	t.Helper()
	tmpDir := t.TempDir()
	scope := Scope{Type: ScopeProject, Path: tmpDir, Dir: filepath.Join(tmpDir, WorkspaceDirName)}
	require.NoError(t, os.MkdirAll(scope.Dir, 0755))
	return scope
}

func TestConfigSaveAndLoad(t *testing.T) {
	scope := testScope(t)

	cfg := DefaultConfig()
	cfg.KNN.MaxK = 16
	cfg.KNN.CoarseK = 4
	cfg.KNN.DatastorePath = "stores/wmt19"
	cfg.KNN.Index.Kind = IndexAnnoy
	cfg.Distill.Strategy = StrategyAdapterDirect
	cfg.Train.LearningRate = 1e-3
	require.NoError(t, SaveConfig(scope, cfg))

	loaded, err := LoadConfig(scope)
	require.NoError(t, err)

	assert.Equal(t, 16, loaded.KNN.MaxK)
	assert.Equal(t, 4, loaded.KNN.CoarseK)
	assert.Equal(t, IndexAnnoy, loaded.KNN.Index.Kind)
	assert.Equal(t, StrategyAdapterDirect, loaded.Distill.Strategy)
	assert.Equal(t, 1e-3, loaded.Train.LearningRate)

	assert.Equal(t, filepath.Join(scope.Path, "stores/wmt19"), loaded.KNN.DatastorePath)
	assert.Equal(t, scope.CombinerPath(), loaded.KNN.CombinerPath)
	assert.Equal(t, scope.ResultPath(), loaded.Distill.ResultPath)
}

func TestLoadConfigMissing(t *testing.T) {
	scope := testScope(t)

	cfg, err := LoadConfig(scope)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().KNN.MaxK, cfg.KNN.MaxK)
	assert.Equal(t, scope.DatastorePath(), cfg.KNN.DatastorePath)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	scope := testScope(t)
	require.NoError(t, os.WriteFile(scope.ConfigPath(), []byte("knn: [not a map"), 0644))

	_, err := LoadConfig(scope)
	assert.Error(t, err)
}

func TestLoadConfigPartialKeepsDefaults(t *testing.T) {
	scope := testScope(t)
	require.NoError(t, os.WriteFile(scope.ConfigPath(), []byte("knn:\n  lambda: 0.3\n"), 0644))

	cfg, err := LoadConfig(scope)
	require.NoError(t, err)
	assert.Equal(t, 0.3, cfg.KNN.Lambda)
	assert.Equal(t, 8, cfg.KNN.MaxK)
	assert.Equal(t, DefaultTrainConfig(), cfg.Train)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max k not a power of two", func(c *Config) { c.KNN.MaxK = 6 }},
		{"zero max k", func(c *Config) { c.KNN.MaxK = 0 }},
		{"bad k type", func(c *Config) { c.KNN.KType = "learned" }},
		{"lambda above one", func(c *Config) { c.KNN.Lambda = 1.5 }},
		{"zero temperature", func(c *Config) { c.KNN.Temperature = 0 }},
		{"bad key dtype", func(c *Config) { c.KNN.KeyDType = DTypeInt64 }},
		{"bad index kind", func(c *Config) { c.KNN.Index.Kind = "ivf" }},
		{"zero vocab", func(c *Config) { c.KNN.VocabSize = 0 }},
		{"negative coarse k", func(c *Config) { c.KNN.CoarseK = -1 }},
		{"bad mode", func(c *Config) { c.KNN.Mode = "serve" }},
		{"bad strategy", func(c *Config) { c.Distill.Strategy = "soft" }},
		{"smoothing of one", func(c *Config) { c.Distill.LabelSmoothing = 1 }},
		{"zero prior tau", func(c *Config) { c.Distill.PriorTau = 0 }},
		{"zero topk", func(c *Config) { c.Distill.TopK = 0 }},
		{"zero epochs", func(c *Config) { c.Train.Epochs = 0 }},
		{"valid fraction of one", func(c *Config) { c.Train.ValidFraction = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAdaptiveCombinerConfigFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KNN.KType = ParamFixed
	cfg.KNN.RelativeLabels = true

	ac := cfg.AdaptiveCombinerConfig()
	require.NoError(t, ac.Validate())
	assert.False(t, ac.KTrainable)
	assert.True(t, ac.LambdaTrainable)
	assert.True(t, ac.TemperatureTrainable)
	assert.True(t, ac.RelativeLabelCount)
	assert.Equal(t, cfg.KNN.VocabSize, ac.Vocab)
	assert.Equal(t, cfg.Train.LearningRate, ac.LearningRate)
}
