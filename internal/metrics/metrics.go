// Package metrics exposes Prometheus instrumentation for the tutor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// turnsTotal counts handled turns by classification and strategy.
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studybot_turns_total",
		Help: "Total learner turns handled by classification and strategy",
	}, []string{"classification", "strategy"})

	// turnDuration tracks end-to-end turn latency.
	turnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studybot_turn_duration_seconds",
		Help:    "Turn handling duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"degraded"})

	// fallbacksTotal counts replies served from local templates.
	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studybot_fallback_replies_total",
		Help: "Replies produced by the local fallback generator, by reason",
	}, []string{"reason"})

	// persistenceErrors counts store failures surfaced to callers.
	persistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studybot_persistence_errors_total",
		Help: "Store failures by operation",
	}, []string{"op"})

	// difficultiesTotal counts recorded difficulty increments.
	difficultiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studybot_difficulties_recorded_total",
		Help: "Difficulty records incremented after frustration",
	})

	// contentFetches counts content provider loads by source and result.
	contentFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studybot_content_fetch_total",
		Help: "Content provider loads by source and result",
	}, []string{"source", "result"})
)

// ObserveTurn records one handled turn.
func ObserveTurn(classification, strategy string, degraded bool, elapsed time.Duration) {
	turnsTotal.WithLabelValues(classification, strategy).Inc()
	label := "false"
	if degraded {
		label = "true"
	}
	turnDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// ObserveFallback records a fallback reply.
func ObserveFallback(reason string) {
	fallbacksTotal.WithLabelValues(reason).Inc()
}

// ObservePersistenceError records a surfaced store failure.
func ObservePersistenceError(op string) {
	persistenceErrors.WithLabelValues(op).Inc()
}

// ObserveDifficulty records a difficulty increment.
func ObserveDifficulty() {
	difficultiesTotal.Inc()
}

// ObserveContentFetch records a content load.
func ObserveContentFetch(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	contentFetches.WithLabelValues(source, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
