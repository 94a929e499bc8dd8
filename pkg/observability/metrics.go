// Package observability exposes the Prometheus metrics published by the
// analysis pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sitescout",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Number of loads served directly from the result cache.",
	})

	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sitescout",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Number of loads that entered a pipeline run.",
	})

	sourceFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitescout",
		Subsystem: "fetch",
		Name:      "source_fallbacks_total",
		Help:      "Number of fetches resolved from synthetic fallback data, labeled by source.",
	}, []string{"source"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sitescout",
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of successful pipeline runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	runFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitescout",
		Subsystem: "pipeline",
		Name:      "run_failures_total",
		Help:      "Number of failed pipeline runs, labeled by the stage that failed.",
	}, []string{"stage"})

	lastRunGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sitescout",
		Subsystem: "pipeline",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful pipeline run.",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses, sourceFallbacks, runDuration, runFailures, lastRunGauge)
}

// RecordCacheHit counts a load served from cache without a pipeline run.
func RecordCacheHit() { cacheHits.Inc() }

// RecordCacheMiss counts a load that required a pipeline run.
func RecordCacheMiss() { cacheMisses.Inc() }

// RecordSourceFallback counts a data source that resolved from synthetic
// fallback data.
func RecordSourceFallback(source string) { sourceFallbacks.WithLabelValues(source).Inc() }

// RecordRunCompleted observes a successful run's duration and advances the
// last-run watermark.
func RecordRunCompleted(elapsed time.Duration, finished time.Time) {
	runDuration.Observe(elapsed.Seconds())
	if !finished.IsZero() {
		lastRunGauge.Set(float64(finished.Unix()))
	}
}

// RecordRunFailed counts a failed run by the stage that failed.
func RecordRunFailed(stage string) { runFailures.WithLabelValues(stage).Inc() }
