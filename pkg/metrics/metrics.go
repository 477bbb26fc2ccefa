package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "consolidation"

var (
	// ParseDiscards counts record lines rejected by the tuple parser.
	ParseDiscards = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "discards_total",
		Help:      "Total number of malformed record lines discarded",
	})

	// Batches counts parsed extraction batches by completion status.
	Batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "batches_total",
		Help:      "Total number of parsed extraction batches",
	}, []string{"status"})

	// MergeChanges counts graph changes applied by merges.
	MergeChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "merge",
		Name:      "changes_total",
		Help:      "Total number of nodes and edges created or updated",
	}, []string{"kind", "change"})

	// MergeDuration observes how long one batch merge holds the graph.
	MergeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "merge",
		Name:      "duration_seconds",
		Help:      "Duration of a single batch merge",
		Buckets:   prometheus.DefBuckets,
	})

	// Summaries counts summarization requests by outcome.
	Summaries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "summarizer",
		Name:      "requests_total",
		Help:      "Total number of description summarization requests",
	}, []string{"status"})

	// ModelCalls counts calls across the model boundary.
	ModelCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "calls_total",
		Help:      "Total number of model calls by operation and outcome",
	}, []string{"op", "status"})

	// ModelTokens counts tokens reported by the model adapters.
	ModelTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "tokens_total",
		Help:      "Total number of prompt and completion tokens by adapter",
	}, []string{"adapter", "direction"})

	// CacheLookups counts completion cache lookups.
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Total number of completion cache lookups",
	}, []string{"result"})

	// BreakerState reports the model circuit breaker state
	// (0=closed, 1=half-open, 2=open).
	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// KeywordParseFailures counts keyword responses that violated the grammar.
	KeywordParseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "keyword_parse_failures_total",
		Help:      "Total number of keyword responses that could not be parsed",
	})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		ParseDiscards,
		Batches,
		MergeChanges,
		MergeDuration,
		Summaries,
		ModelCalls,
		ModelTokens,
		CacheLookups,
		BreakerState,
		KeywordParseFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry holding all engine metrics.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
