package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	reapedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "maintenance",
		Name:      "temp_tokens_reaped_total",
		Help:      "Expired OAuth 1.0a request tokens deleted by the reaper.",
	})

	scheduledCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "maintenance",
		Name:      "syncs_scheduled_total",
		Help:      "Sync requests emitted for stale connections, labeled by provider.",
	}, []string{"provider"})

	runFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "maintenance",
		Name:      "run_failures_total",
		Help:      "Maintenance iterations that returned an error, labeled by job.",
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(reapedCounter, scheduledCounter, runFailures)
}
