// Package telemetry exposes Prometheus metrics for the crawl pipeline.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookpulse_fetches_total",
			Help: "Total completed page fetches, labeled by status code.",
		},
		[]string{"status"},
	)

	fetchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bookpulse_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	fetchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookpulse_fetch_retries_total",
			Help: "Total fetch retry attempts.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bookpulse_rate_limit_delay_seconds",
			Help:    "Histogram of politeness delays imposed on fetches.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookpulse_runs_total",
			Help: "Total crawl runs, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	snapshotsUpsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookpulse_snapshots_upserted_total",
			Help: "Total snapshot upserts, labeled by entity kind.",
		},
		[]string{"kind"},
	)

	itemFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookpulse_item_failures_total",
			Help: "Per-item failures recorded during runs, labeled by stage.",
		},
		[]string{"stage"},
	)
)

// ObserveFetch records one completed fetch.
func ObserveFetch(status int, duration time.Duration) {
	fetchesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// IncFetchRetries counts one retry attempt.
func IncFetchRetries() {
	fetchRetriesTotal.Inc()
}

// ObserveRateLimitDelay records time spent waiting on the politeness limiter.
func ObserveRateLimitDelay(d time.Duration) {
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// IncRun counts one finished crawl run by outcome.
func IncRun(outcome string) {
	runsTotal.WithLabelValues(outcome).Inc()
}

// IncSnapshotUpsert counts one snapshot upsert by entity kind.
func IncSnapshotUpsert(kind string) {
	snapshotsUpsertedTotal.WithLabelValues(kind).Inc()
}

// IncItemFailure counts one recorded item failure by pipeline stage.
func IncItemFailure(stage string) {
	itemFailuresTotal.WithLabelValues(stage).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
