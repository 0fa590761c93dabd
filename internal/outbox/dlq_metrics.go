package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// DLQ outcomes recorded per entry handled by the DLQManager.
const (
	dlqOutcomeRequeued       = "requeued"
	dlqOutcomeRetryScheduled = "retry_scheduled"
	dlqOutcomeQuarantined    = "quarantined"
)

var (
	dlqOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries handled, by event type and outcome (requeued, retry_scheduled, quarantined).",
	}, []string{"event_type", "outcome"})

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wearable_service",
		Subsystem: "dlq",
		Name:      "queued_messages",
		Help:      "Entries waiting in the DLQ, quarantined ones excluded.",
	})

	dlqOldestAgeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wearable_service",
		Subsystem: "dlq",
		Name:      "oldest_entry_age_seconds",
		Help:      "Age of the oldest non-quarantined DLQ entry; 0 when the DLQ is empty. A growing value means a sync request or connection event is stuck.",
	})
)

func init() {
	prometheus.MustRegister(dlqOutcomeCounter, dlqBacklogGauge, dlqOldestAgeGauge)
}

func recordDLQOutcome(entry dlqEntry, outcome string) {
	dlqOutcomeCounter.WithLabelValues(entry.EventType, outcome).Inc()
}

func updateBacklogGauges(ctx context.Context, pool *pgxpool.Pool) {
	var (
		count  int
		oldest float64
	)
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at)), 0)::float8
           FROM outbox_dlq
          WHERE quarantined_at IS NULL`,
	).Scan(&count, &oldest)
	if err != nil {
		return
	}
	dlqBacklogGauge.Set(float64(count))
	dlqOldestAgeGauge.Set(oldest)
}
