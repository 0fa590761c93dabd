package consumer

import "github.com/prometheus/client_golang/prometheus"

var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "consumer",
		Name:      "messages_processed_total",
		Help:      "Number of Kafka messages successfully handled.",
	}, []string{"topic", "event_type"})

	handlerErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "consumer",
		Name:      "handler_errors_total",
		Help:      "Failed handler attempts, retries included, grouped by topic and event type.",
	}, []string{"topic", "event_type"})

	abandonedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "consumer",
		Name:      "messages_abandoned_total",
		Help:      "Messages committed after the handler kept failing through every retry.",
	}, []string{"topic", "event_type"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "consumer",
		Name:      "decode_errors_total",
		Help:      "Number of decode failures per topic.",
	}, []string{"topic"})

	syncOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_service",
		Subsystem: "consumer",
		Name:      "sync_requests_total",
		Help:      "Sync requests handled by the worker, labeled by reason and outcome.",
	}, []string{"reason", "outcome"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wearable_service",
		Subsystem: "consumer",
		Name:      "last_message_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully processed message per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(processedCounter, handlerErrorCounter, abandonedCounter, decodeErrorCounter, syncOutcomeCounter, lastMessageGauge)
}

func recordProcessed(msg Message) {
	processedCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
	if !msg.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordHandlerError(msg Message) {
	handlerErrorCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
}

func recordAbandoned(msg Message) {
	abandonedCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}

func recordSyncOutcome(reason, outcome string) {
	syncOutcomeCounter.WithLabelValues(reason, outcome).Inc()
}
