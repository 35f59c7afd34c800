package saga

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine counters and histograms for Prometheus scraping,
// all namespaced "sagakit_".
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := saga.NewMetrics(registry)
//	engine, err := saga.NewEngine(g, schema, saga.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	// ActiveRuns tracks runs currently executing or suspended.
	ActiveRuns prometheus.Gauge

	// RunsTotal counts finished runs by terminal status.
	RunsTotal *prometheus.CounterVec

	// StepLatency observes handler duration per node and outcome.
	StepLatency *prometheus.HistogramVec

	// CacheHits and CacheMisses count step cache lookups.
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// LoopDetections counts detector matches by kind.
	LoopDetections *prometheus.CounterVec

	// BudgetBlocks counts admission rejections by resource.
	BudgetBlocks *prometheus.CounterVec

	// Approvals counts approval outcomes by status.
	Approvals *prometheus.CounterVec

	// TokensConsumed accumulates LLM token usage across runs.
	TokensConsumed prometheus.Counter
}

// NewMetrics registers the engine metric set on the given registerer. Pass
// prometheus.DefaultRegisterer for the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const namespace = "sagakit"

	return &Metrics{
		ActiveRuns: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of workflow runs currently executing or suspended.",
		}),
		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished workflow runs by terminal status.",
		}, []string{"status"}),
		StepLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_latency_seconds",
			Help:      "Step handler duration.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
		}, []string{"node", "status"}),
		CacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Step cache hits.",
		}),
		CacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Step cache misses.",
		}),
		LoopDetections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_detections_total",
			Help:      "Loop detector matches by kind.",
		}, []string{"kind"}),
		BudgetBlocks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_blocks_total",
			Help:      "Budget admission rejections by resource.",
		}, []string{"resource"}),
		Approvals: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval checkpoint outcomes by status.",
		}, []string{"status"}),
		TokensConsumed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_consumed_total",
			Help:      "LLM tokens consumed across all runs.",
		}),
	}
}
