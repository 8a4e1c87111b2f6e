// Package metrics exposes planner and session collectors to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// planLatency measures PlanMoves wall time.
	// Labels: strategy, outcome (planned, no_plan, pending, malformed, error)
	planLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dynstack",
		Subsystem: "planner",
		Name:      "latency_seconds",
		Help:      "Planning latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.8, 1.5, 3},
	}, []string{"strategy", "outcome"})

	// planScore tracks the search score of produced plans.
	// Labels: strategy
	planScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dynstack",
		Subsystem: "planner",
		Name:      "score",
		Help:      "Score of the selected move sequence (fitness or accumulated reward)",
		Buckets:   []float64{-1, 0, 0.2, 0.4, 0.6, 0.8, 1, 100, 500, 1000, 2500},
	}, []string{"strategy"})

	movesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dynstack",
		Subsystem: "planner",
		Name:      "moves_emitted_total",
		Help:      "Crane moves sent to clients",
	}, []string{"strategy"})

	// declined counts snapshots that produced no schedule.
	// Labels: reason (pending, malformed, no_plan)
	declined = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dynstack",
		Subsystem: "planner",
		Name:      "declined_total",
		Help:      "Snapshots answered without a schedule",
	}, []string{"reason"})

	fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dynstack",
		Subsystem: "planner",
		Name:      "fallbacks_total",
		Help:      "Searches replaced by the rule planner",
	}, []string{"strategy"})

	truncations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dynstack",
		Subsystem: "planner",
		Name:      "deadline_truncations_total",
		Help:      "Searches cut short by the planning deadline",
	}, []string{"strategy"})

	sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dynstack",
		Subsystem: "ws",
		Name:      "sessions",
		Help:      "Open planning sessions",
	})

	// protocolErrors counts ERROR messages sent.
	// Labels: code
	protocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dynstack",
		Subsystem: "ws",
		Name:      "errors_total",
		Help:      "ERROR messages sent to clients by code",
	}, []string{"code"})
)

// RecordPlan records one planning call.
func RecordPlan(strategy, outcome string, durationSec float64) {
	planLatency.WithLabelValues(strategy, outcome).Observe(durationSec)
}

func RecordScore(strategy string, score float64) {
	planScore.WithLabelValues(strategy).Observe(score)
}

func RecordMoves(strategy string, n int) {
	movesEmitted.WithLabelValues(strategy).Add(float64(n))
}

func RecordDeclined(reason string) {
	declined.WithLabelValues(reason).Inc()
}

func RecordFallback(strategy string) {
	fallbacks.WithLabelValues(strategy).Inc()
}

func RecordTruncation(strategy string) {
	truncations.WithLabelValues(strategy).Inc()
}

func SessionOpened() { sessions.Inc() }
func SessionClosed() { sessions.Dec() }

func RecordProtocolError(code string) {
	protocolErrors.WithLabelValues(code).Inc()
}
