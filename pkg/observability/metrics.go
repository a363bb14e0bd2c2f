// Package observability registers the prometheus metrics the pipeline and
// server report.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal counts story turns by outcome (ok, blank, error).
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fable",
		Name:      "turns_total",
		Help:      "Story turns processed, by outcome.",
	}, []string{"outcome"})

	// ModelCallDuration observes generator latency by call kind.
	ModelCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fable",
		Name:      "model_call_duration_seconds",
		Help:      "Latency of model generate calls.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"kind"})

	// ModelCallsTotal counts generator calls by kind and outcome.
	ModelCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fable",
		Name:      "model_calls_total",
		Help:      "Model generate calls, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// CompactionsTotal counts memory compaction passes by stage (chunk,
	// deep) and outcome.
	CompactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fable",
		Name:      "compactions_total",
		Help:      "Memory compaction passes, by stage and outcome.",
	}, []string{"stage", "outcome"})

	// RetrievalFetchesTotal counts source fetches by outcome.
	RetrievalFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fable",
		Name:      "retrieval_fetches_total",
		Help:      "Lore source fetches, by outcome.",
	}, []string{"outcome"})

	// PromptTokens observes assembled prompt sizes by kind.
	PromptTokens = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fable",
		Name:      "prompt_tokens",
		Help:      "Token counts of assembled prompts.",
		Buckets:   prometheus.ExponentialBuckets(64, 2, 8),
	}, []string{"kind"})
)
