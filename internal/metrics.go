package internal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "knnkd"

// Metrics are process-local. A nil *Metrics records nothing.
type Metrics struct {
	retrievalQueries  *prometheus.CounterVec
	retrievalDuration *prometheus.HistogramVec
	datastoreEntries  prometheus.Gauge
	loss              *prometheus.GaugeVec
	distilledTokens   *prometheus.CounterVec
	adapterSteps      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		retrievalQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retrieval_queries_total",
				Help:      "Total number of datastore queries",
			},
			[]string{"mode"},
		),
		retrievalDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "retrieval_duration_seconds",
				Help:      "Latency of one batched retrieval call",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"mode"},
		),
		datastoreEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "datastore_entries",
				Help:      "Number of entries in the datastore",
			},
		),
		loss: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "loss",
				Help:      "Most recent loss per distillation strategy",
			},
			[]string{"strategy"},
		),
		distilledTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "distilled_tokens_total",
				Help:      "Non-pad tokens seen by the distillation criterion",
			},
			[]string{"strategy"},
		),
		adapterSteps: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "adapter_steps_total",
				Help:      "Optimizer steps taken by the adaptive combiner",
			},
		),
	}
}

func (m *Metrics) ObserveRetrieval(mode string, queries int, d time.Duration) {
	if m == nil {
		return
	}
	m.retrievalQueries.WithLabelValues(mode).Add(float64(queries))
	m.retrievalDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) SetDatastoreEntries(n int) {
	if m == nil {
		return
	}
	m.datastoreEntries.Set(float64(n))
}

func (m *Metrics) RecordLoss(strategy Strategy, loss float64, tokens int) {
	if m == nil {
		return
	}
	m.loss.WithLabelValues(string(strategy)).Set(loss)
	m.distilledTokens.WithLabelValues(string(strategy)).Add(float64(tokens))
}

func (m *Metrics) IncAdapterStep() {
	if m == nil {
		return
	}
	m.adapterSteps.Inc()
}
