// Package metrics provides Prometheus metrics for the prediction system.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PredictionMetrics collects and exposes Prometheus metrics on a private
// registry so tests can run side by side.
type PredictionMetrics struct {
	registry *prometheus.Registry

	// Agent metrics
	AgentCalls       *prometheus.CounterVec
	AgentLatency     *prometheus.HistogramVec
	AgentAbstentions *prometheus.CounterVec

	// Consensus metrics
	ConsensusRuns       *prometheus.CounterVec
	ConsensusConfidence *prometheus.HistogramVec
	ConsensusAgreement  *prometheus.HistogramVec
	MarketsUnclear      *prometheus.CounterVec
	MarketsAvoided      *prometheus.CounterVec

	// Settlement metrics
	SettledSessions *prometheus.CounterVec
	PicksSettled    *prometheus.CounterVec
	SettleSkipped   *prometheus.CounterVec
	SettleErrors    *prometheus.CounterVec

	// Provider metrics
	ProviderFallbacks *prometheus.CounterVec
	CacheHits         *prometheus.CounterVec

	// Pipeline metrics
	AnalysisRuns     *prometheus.CounterVec
	AnalysisDuration *prometheus.HistogramVec
	StageLatency     *prometheus.HistogramVec
}

// NewPredictionMetrics creates a metrics collector with its own registry.
func NewPredictionMetrics() *PredictionMetrics {
	registry := prometheus.NewRegistry()

	pm := &PredictionMetrics{
		registry: registry,

		AgentCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_agent_calls_total",
				Help: "Total agent calls by role, model and status",
			},
			[]string{"role", "model", "status"},
		),
		AgentLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tacticore_agent_latency_seconds",
				Help:    "Agent call latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
			},
			[]string{"role"},
		),
		AgentAbstentions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_agent_abstentions_total",
				Help: "Total agent abstentions by role",
			},
			[]string{"role"},
		),

		ConsensusRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_consensus_runs_total",
				Help: "Total consensus reductions by risk level",
			},
			[]string{"risk"},
		),
		ConsensusConfidence: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tacticore_consensus_confidence",
				Help:    "Consensus confidence per market (0-100)",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
			[]string{"market"},
		),
		ConsensusAgreement: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tacticore_consensus_agreement_pct",
				Help:    "Share of unanimous markets per run (0-100)",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
			[]string{},
		),
		MarketsUnclear: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_markets_unclear_total",
				Help: "Markets demoted to unclear",
			},
			[]string{"market"},
		),
		MarketsAvoided: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_markets_avoided_total",
				Help: "Markets below the confidence floor",
			},
			[]string{"market"},
		),

		SettledSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_settled_sessions_total",
				Help: "Prediction sessions settled",
			},
			[]string{},
		),
		PicksSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_picks_settled_total",
				Help: "Picks graded by outcome",
			},
			[]string{"outcome"},
		),
		SettleSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_settle_skipped_total",
				Help: "Settlement candidates skipped (no result yet or already settled)",
			},
			[]string{},
		),
		SettleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_settle_errors_total",
				Help: "Errors during settlement sweeps",
			},
			[]string{},
		),

		ProviderFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_provider_fallbacks_total",
				Help: "Data source fallback attempts",
			},
			[]string{"source"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_cache_hits_total",
				Help: "Match context cache hits and misses",
			},
			[]string{"result"},
		),

		AnalysisRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticore_analysis_runs_total",
				Help: "Analysis pipeline runs by status",
			},
			[]string{"status"},
		),
		AnalysisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tacticore_analysis_duration_seconds",
				Help:    "Full analysis run duration",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~400s
			},
			[]string{},
		),
		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tacticore_stage_latency_seconds",
				Help:    "Individual pipeline stage latency",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"stage"},
		),
	}

	pm.registerAll()
	return pm
}

func (pm *PredictionMetrics) registerAll() {
	pm.registry.MustRegister(
		pm.AgentCalls,
		pm.AgentLatency,
		pm.AgentAbstentions,
		pm.ConsensusRuns,
		pm.ConsensusConfidence,
		pm.ConsensusAgreement,
		pm.MarketsUnclear,
		pm.MarketsAvoided,
		pm.SettledSessions,
		pm.PicksSettled,
		pm.SettleSkipped,
		pm.SettleErrors,
		pm.ProviderFallbacks,
		pm.CacheHits,
		pm.AnalysisRuns,
		pm.AnalysisDuration,
		pm.StageLatency,
	)
}

// Registry returns the prometheus registry.
func (pm *PredictionMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// --- Helper methods for recording metrics ---

// RecordAgentCall records one agent call.
func (pm *PredictionMetrics) RecordAgentCall(role, model string, abstained bool, latencySec float64) {
	status := "ok"
	if abstained {
		status = "abstained"
		pm.AgentAbstentions.WithLabelValues(role).Inc()
	}
	pm.AgentCalls.WithLabelValues(role, model, status).Inc()
	if latencySec > 0 {
		pm.AgentLatency.WithLabelValues(role).Observe(latencySec)
	}
}

// RecordConsensus records one consensus reduction.
func (pm *PredictionMetrics) RecordConsensus(risk string, agreementPct float64) {
	pm.ConsensusRuns.WithLabelValues(risk).Inc()
	pm.ConsensusAgreement.WithLabelValues().Observe(agreementPct)
}

// RecordMarketConsensus records one market's consensus result.
func (pm *PredictionMetrics) RecordMarketConsensus(market, status string, confidence float64) {
	pm.ConsensusConfidence.WithLabelValues(market).Observe(confidence)
	switch status {
	case "unclear":
		pm.MarketsUnclear.WithLabelValues(market).Inc()
	case "avoid":
		pm.MarketsAvoided.WithLabelValues(market).Inc()
	}
}

// RecordSettlement records a settlement sweep.
func (pm *PredictionMetrics) RecordSettlement(sessions, picksWon, picksLost, skipped, errors int) {
	pm.SettledSessions.WithLabelValues().Add(float64(sessions))
	pm.PicksSettled.WithLabelValues("won").Add(float64(picksWon))
	pm.PicksSettled.WithLabelValues("lost").Add(float64(picksLost))
	pm.SettleSkipped.WithLabelValues().Add(float64(skipped))
	pm.SettleErrors.WithLabelValues().Add(float64(errors))
}

// RecordFallback records a data source fallback.
func (pm *PredictionMetrics) RecordFallback(source string) {
	pm.ProviderFallbacks.WithLabelValues(source).Inc()
}

// RecordCache records a cache lookup.
func (pm *PredictionMetrics) RecordCache(hit bool) {
	if hit {
		pm.CacheHits.WithLabelValues("hit").Inc()
	} else {
		pm.CacheHits.WithLabelValues("miss").Inc()
	}
}

// RecordAnalysis records an analysis run.
func (pm *PredictionMetrics) RecordAnalysis(status string, durationSec float64) {
	pm.AnalysisRuns.WithLabelValues(status).Inc()
	if durationSec > 0 {
		pm.AnalysisDuration.WithLabelValues().Observe(durationSec)
	}
}

// RecordStage records one pipeline stage.
func (pm *PredictionMetrics) RecordStage(stage string, durationSec float64) {
	pm.StageLatency.WithLabelValues(stage).Observe(durationSec)
}

// Global instance for convenience
var defaultMetrics *PredictionMetrics
var once sync.Once

// Default returns the default global metrics instance.
func Default() *PredictionMetrics {
	once.Do(func() {
		defaultMetrics = NewPredictionMetrics()
	})
	return defaultMetrics
}
