package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRetrieval("full", 3, time.Millisecond)
		m.SetDatastoreEntries(10)
		m.RecordLoss(StrategyDirect, 1.5, 4)
		m.IncAdapterStep()
	})
}

func TestMetricsExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveRetrieval("coarse", 5, 2*time.Millisecond)
	m.SetDatastoreEntries(42)
	m.RecordLoss(StrategyAdapterDirect, 0.25, 7)
	m.RecordLoss(StrategyAdapterDirect, 0.5, 3)
	m.IncAdapterStep()

	expected := `
# HELP knnkd_datastore_entries Number of entries in the datastore
# TYPE knnkd_datastore_entries gauge
knnkd_datastore_entries 42
# HELP knnkd_distilled_tokens_total Non-pad tokens seen by the distillation criterion
# TYPE knnkd_distilled_tokens_total counter
knnkd_distilled_tokens_total{strategy="adapter_direct"} 10
# HELP knnkd_loss Most recent loss per distillation strategy
# TYPE knnkd_loss gauge
knnkd_loss{strategy="adapter_direct"} 0.5
# HELP knnkd_retrieval_queries_total Total number of datastore queries
# TYPE knnkd_retrieval_queries_total counter
knnkd_retrieval_queries_total{mode="coarse"} 5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"knnkd_datastore_entries",
		"knnkd_distilled_tokens_total",
		"knnkd_loss",
		"knnkd_retrieval_queries_total",
	))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adapterSteps))
	assert.Equal(t, 1, testutil.CollectAndCount(m.retrievalDuration))
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knnkd.log")

	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json", OutputPaths: []string{path}})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	data := string(raw)
	assert.NotContains(t, data, "hidden")
	assert.Contains(t, data, `"msg":"shown"`)
	assert.Contains(t, data, `"timestamp"`)

	logger, err = NewLogger(DefaultLogConfig())
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
