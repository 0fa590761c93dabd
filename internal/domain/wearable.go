// Package domain defines the wearable integration model shared by the flow
// handlers, the sync engine and the stores.
package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider identifies a wearable vendor.
type Provider string

const (
	ProviderGoogleFit   Provider = "google_fit"
	ProviderFitbit      Provider = "fitbit"
	ProviderGarmin      Provider = "garmin"
	ProviderAppleHealth Provider = "apple_health"
)

// Providers lists every provider the platform knows about.
var Providers = []Provider{ProviderGoogleFit, ProviderFitbit, ProviderGarmin, ProviderAppleHealth}

// ParseProvider normalises a provider name.
func ParseProvider(name string) (Provider, error) {
	candidate := Provider(strings.ToLower(strings.TrimSpace(name)))
	for _, p := range Providers {
		if p == candidate {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// DataType is the canonical metric family of a HealthRecord.
type DataType string

const (
	DataTypeSteps         DataType = "steps"
	DataTypeHeartRate     DataType = "heart_rate"
	DataTypeCalories      DataType = "calories"
	DataTypeActiveMinutes DataType = "active_minutes"
	DataTypeSleep         DataType = "sleep"
	DataTypeWorkout       DataType = "workout"
	DataTypeStress        DataType = "stress"
)

var canonicalUnits = map[DataType]string{
	DataTypeSteps:         "steps",
	DataTypeHeartRate:     "bpm",
	DataTypeCalories:      "kcal",
	DataTypeActiveMinutes: "min",
	DataTypeSleep:         "min",
	DataTypeWorkout:       "min",
	DataTypeStress:        "level",
}

// ParseDataType validates a data type name.
func ParseDataType(name string) (DataType, error) {
	candidate := DataType(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := canonicalUnits[candidate]; !ok {
		return "", fmt.Errorf("unknown data type %q", name)
	}
	return candidate, nil
}

// Unit returns the canonical unit stored alongside values of this type.
func (d DataType) Unit() string {
	return canonicalUnits[d]
}

// ConnectionStatus is the externally visible state of a provider link.
type ConnectionStatus string

const (
	StatusDisconnected         ConnectionStatus = "disconnected"
	StatusPendingAuthorization ConnectionStatus = "pending_authorization"
	StatusConnected            ConnectionStatus = "connected"
)

// Connection holds the long-lived credentials for one (client, provider) pair.
type Connection struct {
	ID           string
	ClientID     string
	Provider     Provider
	AccessToken  string
	RefreshToken *string
	// TokenSecret is only set for OAuth 1.0a providers.
	TokenSecret *string
	// TokenExpiresAt nil means the token does not expire (Garmin), not unknown.
	TokenExpiresAt *time.Time
	ProviderUserID *string
	IsActive       bool
	LastSyncedAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Status derives the connection state.
func (c Connection) Status() ConnectionStatus {
	if !c.IsActive {
		return StatusDisconnected
	}
	return StatusConnected
}

// TokenExpired reports whether the stored access token is past its expiry.
func (c Connection) TokenExpired(now time.Time) bool {
	return c.TokenExpiresAt != nil && !now.Before(*c.TokenExpiresAt)
}

// TempToken is the single-use OAuth 1.0a request-token mailbox kept between
// authorization start and callback.
type TempToken struct {
	UserID           string
	Provider         Provider
	OAuthToken       string
	OAuthTokenSecret string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// Expired reports whether the token can no longer be redeemed.
func (t TempToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// HealthRecord is one canonical metric value for one day.
type HealthRecord struct {
	ID           string
	ClientID     string
	ConnectionID string
	DataType     DataType
	// RecordedAt is truncated to a UTC calendar day.
	RecordedAt time.Time
	Value      float64
	Unit       string
	Source     Provider
	RawPayload json.RawMessage
}

// RecordKey is the natural uniqueness key of a HealthRecord.
type RecordKey struct {
	ClientID   string
	DataType   DataType
	RecordedAt string
	Source     Provider
}

// Key returns the upsert key of the record.
func (r HealthRecord) Key() RecordKey {
	return RecordKey{
		ClientID:   r.ClientID,
		DataType:   r.DataType,
		RecordedAt: r.RecordedAt.UTC().Format(time.DateOnly),
		Source:     r.Source,
	}
}

// Day truncates ts to midnight UTC.
func Day(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ConnectionStore persists provider connections.
type ConnectionStore interface {
	// UpsertConnection inserts or overwrites the row for (ClientID, Provider)
	// and returns the stored connection.
	UpsertConnection(ctx context.Context, conn Connection) (Connection, error)
	GetConnection(ctx context.Context, id string) (*Connection, error)
	ListConnections(ctx context.Context, clientID string) ([]Connection, error)
	DeactivateConnection(ctx context.Context, clientID string, provider Provider) (*Connection, error)
	// MarkSynced stamps last_synced_at and records the sync outcome.
	MarkSynced(ctx context.Context, summary SyncSummary) error
	// ListDueConnections returns active connections last synced before cutoff.
	ListDueConnections(ctx context.Context, cutoff time.Time, limit int) ([]Connection, error)
}

// TempTokenStore persists OAuth 1.0a request tokens.
type TempTokenStore interface {
	// UpsertTempToken replaces any pending token for (UserID, Provider).
	UpsertTempToken(ctx context.Context, token TempToken) error
	// GetTempToken returns nil when the token is unknown or expired at now.
	GetTempToken(ctx context.Context, oauthToken string, now time.Time) (*TempToken, error)
	DeleteTempToken(ctx context.Context, oauthToken string) error
	DeleteExpiredTempTokens(ctx context.Context, now time.Time) (int64, error)
}

// HealthRecordStore persists canonical health records.
type HealthRecordStore interface {
	// UpsertHealthRecords writes records keyed by RecordKey and returns the
	// number of rows written.
	UpsertHealthRecords(ctx context.Context, records []HealthRecord) (int, error)
	// ListHealthRecords pages through a client's records, newest day first.
	ListHealthRecords(ctx context.Context, clientID string, filter RecordFilter) ([]HealthRecord, *Cursor, error)
}

// Cursor marks the position of the last record returned in a page.
type Cursor struct {
	RecordedAt time.Time
	ID         string
}

// RecordFilter narrows a health record listing.
type RecordFilter struct {
	DataType DataType
	Cursor   *Cursor
	Limit    int
}

// SyncRequester schedules an asynchronous sync for a connection.
type SyncRequester interface {
	RequestSync(ctx context.Context, conn Connection, reason string) error
}

// SyncSummary describes one completed sync run.
type SyncSummary struct {
	ConnectionID    string
	ClientID        string
	Provider        Provider
	WindowStart     time.Time
	WindowEnd       time.Time
	SyncedAt        time.Time
	DataPoints      int
	FailedEndpoints []string
}

// ProfileResolver maps an authenticated user to the internal client profile id.
type ProfileResolver interface {
	ResolveClientID(ctx context.Context, userID string) (string, error)
}
