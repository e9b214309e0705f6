package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	QueriesTotal       *prometheus.CounterVec
	EpsilonSpentTotal  prometheus.Counter
	NoiseScale         prometheus.Histogram
	ProviderDurationMs prometheus.Histogram
	LedgerPrunedTotal  prometheus.Counter
}

// Query outcome label values.
const (
	OutcomeReleased       = "released"
	OutcomeSuppressed     = "suppressed"
	OutcomeBudgetExceeded = "budget_exceeded"
	OutcomeProviderFailed = "provider_failed"
	OutcomeReplayed       = "replayed"
)

func New() *Metrics {
	return &Metrics{
		QueriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "civicpulse_privacy_queries_total",
			Help: "Total number of private queries by terminal outcome",
		}, []string{"outcome", "query_type"}),
		EpsilonSpentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "civicpulse_privacy_epsilon_spent_total",
			Help: "Total epsilon charged against subject budgets",
		}),
		NoiseScale: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "civicpulse_privacy_noise_scale",
			Help:    "Laplace scale of released statistics",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
		}),
		ProviderDurationMs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "civicpulse_privacy_provider_duration_ms",
			Help:    "Latency of raw aggregate provider calls in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		LedgerPrunedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "civicpulse_privacy_ledger_pruned_entries_total",
			Help: "Total ledger entries removed by retention cleanup",
		}),
	}
}

func (m *Metrics) RecordQuery(outcome, queryType string) {
	m.QueriesTotal.WithLabelValues(outcome, queryType).Inc()
}

func (m *Metrics) RecordRelease(epsilon, scale float64) {
	m.EpsilonSpentTotal.Add(epsilon)
	m.NoiseScale.Observe(scale)
}

func (m *Metrics) ObserveProviderDuration(ms float64) {
	m.ProviderDurationMs.Observe(ms)
}

func (m *Metrics) RecordPruned(count int64) {
	m.LedgerPrunedTotal.Add(float64(count))
}
