// Package events defines integration event payloads published through the outbox.
package events

import "time"

// Event types recorded in the outbox.
const (
	TypeConnectionChanged = "wearable.connection_changed"
	TypeSyncRequested     = "wearable.sync_requested"
	TypeRecordsSynced     = "health.records_synced"
)

// ConnectionChanged is emitted when a provider is connected, reconnected or revoked.
type ConnectionChanged struct {
	ConnectionID string    `json:"connection_id"`
	ClientID     string    `json:"client_id"`
	Provider     string    `json:"provider"`
	State        string    `json:"state"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// SyncRequested asks a sync worker to pull the trailing window for a connection.
type SyncRequested struct {
	ConnectionID string    `json:"connection_id"`
	ClientID     string    `json:"client_id"`
	Provider     string    `json:"provider"`
	Reason       string    `json:"reason"`
	RequestedAt  time.Time `json:"requested_at"`
}

// RecordsSynced reports the outcome of a sync run for dashboards and downstream consumers.
type RecordsSynced struct {
	ConnectionID    string    `json:"connection_id"`
	ClientID        string    `json:"client_id"`
	Provider        string    `json:"provider"`
	DataPoints      int       `json:"data_points"`
	FailedEndpoints []string  `json:"failed_endpoints"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	SyncedAt        time.Time `json:"synced_at"`
}
