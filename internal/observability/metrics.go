package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	authorizationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "oauth",
		Name:      "authorizations_started_total",
		Help:      "Authorization attempts grouped by provider and outcome.",
	}, []string{"provider", "outcome"})

	callbackCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "oauth",
		Name:      "callbacks_total",
		Help:      "OAuth callbacks grouped by provider and outcome.",
	}, []string{"provider", "outcome"})

	syncRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Sync runs grouped by provider and outcome (ok, partial, failed).",
	}, []string{"provider", "outcome"})

	syncDataPoints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "sync",
		Name:      "data_points_total",
		Help:      "Health records upserted by sync runs.",
	}, []string{"provider"})

	syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wearable_service",
		Subsystem: "sync",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a sync run including persistence.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"provider"})

	lastSyncGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wearable_service",
		Subsystem: "sync",
		Name:      "last_sync_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed sync run.",
	})
)

func init() {
	prometheus.MustRegister(authorizationCounter, callbackCounter, syncRunCounter, syncDataPoints, syncDuration, lastSyncGauge)
}

// RecordAuthorization counts an authorization start.
func RecordAuthorization(provider, outcome string) {
	authorizationCounter.WithLabelValues(provider, outcome).Inc()
}

// RecordCallback counts a callback outcome.
func RecordCallback(provider, outcome string) {
	if provider == "" {
		provider = "unknown"
	}
	callbackCounter.WithLabelValues(provider, outcome).Inc()
}

// RecordSync records a finished sync run.
func RecordSync(provider, outcome string, dataPoints int, elapsed time.Duration, finished time.Time) {
	syncRunCounter.WithLabelValues(provider, outcome).Inc()
	syncDataPoints.WithLabelValues(provider).Add(float64(dataPoints))
	syncDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	if !finished.IsZero() {
		lastSyncGauge.Set(float64(finished.Unix()))
	}
}
