// Package metrics exposes Prometheus collectors for the extraction engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors are built at package load so recording is always safe; Init only
// registers them for scraping.
var (
	itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_items_total",
			Help: "Total number of item attempts, labeled by pipeline and outcome.",
		},
		[]string{"pipeline", "outcome"},
	)

	attemptDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_attempt_duration_seconds",
			Help:    "Histogram of extraction attempt latencies, labeled by pipeline.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"pipeline"},
	)

	cooldownsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_cooldowns_total",
			Help: "Total anti-bot cooldown sleeps entered.",
		},
	)

	sessionRecyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_session_recycles_total",
			Help: "Total session replacements, labeled by reason.",
		},
		[]string{"reason"},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_active_workers",
			Help: "Number of workers currently processing an item.",
		},
	)

	rowsExtractedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_rows_extracted_total",
			Help: "Total rows extracted, labeled by pipeline and source.",
		},
		[]string{"pipeline", "source"},
	)

	registerOnce sync.Once
)

// Init registers the collectors with the default Prometheus registry so the
// ops server can scrape them. It is safe to call multiple times.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			itemsTotal,
			attemptDurationSeconds,
			cooldownsTotal,
			sessionRecyclesTotal,
			activeWorkers,
			rowsExtractedTotal,
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt records one classified attempt.
func ObserveAttempt(pipeline, outcome string, duration time.Duration) {
	itemsTotal.WithLabelValues(pipeline, outcome).Inc()
	attemptDurationSeconds.WithLabelValues(pipeline).Observe(duration.Seconds())
}

// ObserveCooldown counts an anti-bot cooldown sleep.
func ObserveCooldown() {
	cooldownsTotal.Inc()
}

// ObserveRecycle counts a session replacement. Reasons: scheduled, anti_bot,
// dead, liveness.
func ObserveRecycle(reason string) {
	sessionRecyclesTotal.WithLabelValues(reason).Inc()
}

// WorkerActive adjusts the active-worker gauge.
func WorkerActive(delta float64) {
	activeWorkers.Add(delta)
}

// ObserveRows counts extracted rows by source.
func ObserveRows(pipeline, source string, count int) {
	if count > 0 {
		rowsExtractedTotal.WithLabelValues(pipeline, source).Add(float64(count))
	}
}
