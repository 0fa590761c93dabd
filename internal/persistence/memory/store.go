// Package memory provides in-process implementations of the domain stores for
// local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/events"
)

// Event is an integration event captured instead of an outbox row.
type Event struct {
	Type    string
	Key     string
	Payload interface{}
}

// Store keeps connections, temp tokens, health records and profiles in maps.
type Store struct {
	mu sync.Mutex

	now         func() time.Time
	profiles    map[string]string
	connections map[string]*domain.Connection
	tempTokens  map[string]domain.TempToken // keyed by user|provider
	records     map[domain.RecordKey]domain.HealthRecord
	events      []Event
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		profiles:    make(map[string]string),
		connections: make(map[string]*domain.Connection),
		tempTokens:  make(map[string]domain.TempToken),
		records:     make(map[domain.RecordKey]domain.HealthRecord),
	}
}

// SetClock overrides the timestamp source used for created/updated stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddProfile registers the client profile of a user.
func (s *Store) AddProfile(userID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = clientID
}

// ResolveClientID implements domain.ProfileResolver.
func (s *Store) ResolveClientID(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clientID, ok := s.profiles[userID]
	if !ok {
		return "", &domain.ProfileNotFoundError{UserID: userID}
	}
	return clientID, nil
}

// UpsertConnection implements domain.ConnectionStore.
func (s *Store) UpsertConnection(_ context.Context, conn domain.Connection) (domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing := s.findLocked(conn.ClientID, conn.Provider)
	if existing != nil {
		conn.ID = existing.ID
		conn.CreatedAt = existing.CreatedAt
		conn.LastSyncedAt = existing.LastSyncedAt
	} else {
		conn.ID = uuid.NewString()
		conn.CreatedAt = now
	}
	conn.IsActive = true
	conn.UpdatedAt = now
	stored := conn
	s.connections[conn.ID] = &stored

	s.events = append(s.events,
		Event{Type: events.TypeConnectionChanged, Key: conn.ClientID, Payload: events.ConnectionChanged{
			ConnectionID: conn.ID, ClientID: conn.ClientID, Provider: string(conn.Provider),
			State: string(domain.StatusConnected), OccurredAt: now,
		}},
		Event{Type: events.TypeSyncRequested, Key: conn.ID, Payload: events.SyncRequested{
			ConnectionID: conn.ID, ClientID: conn.ClientID, Provider: string(conn.Provider),
			Reason: "connected", RequestedAt: now,
		}},
	)
	return stored, nil
}

// GetConnection implements domain.ConnectionStore.
func (s *Store) GetConnection(_ context.Context, id string) (*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[id]
	if !ok {
		return nil, nil
	}
	out := *conn
	return &out, nil
}

// ListConnections implements domain.ConnectionStore.
func (s *Store) ListConnections(_ context.Context, clientID string) ([]domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Connection
	for _, conn := range s.connections {
		if conn.ClientID == clientID {
			out = append(out, *conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// DeactivateConnection implements domain.ConnectionStore.
func (s *Store) DeactivateConnection(_ context.Context, clientID string, provider domain.Provider) (*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.findLocked(clientID, provider)
	if conn == nil {
		return nil, nil
	}
	now := s.now()
	conn.IsActive = false
	conn.UpdatedAt = now
	s.events = append(s.events, Event{Type: events.TypeConnectionChanged, Key: clientID, Payload: events.ConnectionChanged{
		ConnectionID: conn.ID, ClientID: clientID, Provider: string(provider),
		State: string(domain.StatusDisconnected), OccurredAt: now,
	}})
	out := *conn
	return &out, nil
}

// MarkSynced implements domain.ConnectionStore.
func (s *Store) MarkSynced(_ context.Context, summary domain.SyncSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[summary.ConnectionID]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	syncedAt := summary.SyncedAt
	conn.LastSyncedAt = &syncedAt
	conn.UpdatedAt = syncedAt
	s.events = append(s.events, Event{Type: events.TypeRecordsSynced, Key: summary.ClientID, Payload: events.RecordsSynced{
		ConnectionID: summary.ConnectionID, ClientID: summary.ClientID, Provider: string(summary.Provider),
		DataPoints: summary.DataPoints, FailedEndpoints: summary.FailedEndpoints,
		WindowStart: summary.WindowStart, WindowEnd: summary.WindowEnd, SyncedAt: summary.SyncedAt,
	}})
	return nil
}

// ListDueConnections implements domain.ConnectionStore.
func (s *Store) ListDueConnections(_ context.Context, cutoff time.Time, limit int) ([]domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Connection
	for _, conn := range s.connections {
		if !conn.IsActive || conn.Provider == domain.ProviderAppleHealth {
			continue
		}
		if conn.LastSyncedAt == nil || conn.LastSyncedAt.Before(cutoff) {
			out = append(out, *conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lastSynced(out[i]).Before(lastSynced(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RequestSync implements domain.SyncRequester.
func (s *Store) RequestSync(_ context.Context, conn domain.Connection, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Type: events.TypeSyncRequested, Key: conn.ID, Payload: events.SyncRequested{
		ConnectionID: conn.ID, ClientID: conn.ClientID, Provider: string(conn.Provider),
		Reason: reason, RequestedAt: s.now(),
	}})
	return nil
}

// UpsertTempToken implements domain.TempTokenStore.
func (s *Store) UpsertTempToken(_ context.Context, token domain.TempToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = s.now()
	}
	s.tempTokens[tempKey(token.UserID, token.Provider)] = token
	return nil
}

// GetTempToken implements domain.TempTokenStore.
func (s *Store) GetTempToken(_ context.Context, oauthToken string, now time.Time) (*domain.TempToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.tempTokens {
		if token.OAuthToken == oauthToken && !token.Expired(now) {
			out := token
			return &out, nil
		}
	}
	return nil, nil
}

// DeleteTempToken implements domain.TempTokenStore.
func (s *Store) DeleteTempToken(_ context.Context, oauthToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, token := range s.tempTokens {
		if token.OAuthToken == oauthToken {
			delete(s.tempTokens, key)
		}
	}
	return nil
}

// DeleteExpiredTempTokens implements domain.TempTokenStore.
func (s *Store) DeleteExpiredTempTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, token := range s.tempTokens {
		if token.Expired(now) {
			delete(s.tempTokens, key)
			removed++
		}
	}
	return removed, nil
}

// TempTokens returns every stored temp token, including expired ones.
func (s *Store) TempTokens() []domain.TempToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TempToken, 0, len(s.tempTokens))
	for _, token := range s.tempTokens {
		out = append(out, token)
	}
	return out
}

// UpsertHealthRecords implements domain.HealthRecordStore.
func (s *Store) UpsertHealthRecords(_ context.Context, records []domain.HealthRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		rec.RecordedAt = domain.Day(rec.RecordedAt)
		key := rec.Key()
		if existing, ok := s.records[key]; ok {
			rec.ID = existing.ID
		} else if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		s.records[key] = rec
	}
	return len(records), nil
}

// ListHealthRecords implements domain.HealthRecordStore.
func (s *Store) ListHealthRecords(_ context.Context, clientID string, filter domain.RecordFilter) ([]domain.HealthRecord, *domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.HealthRecord
	for _, rec := range s.records {
		if rec.ClientID != clientID {
			continue
		}
		if filter.DataType != "" && rec.DataType != filter.DataType {
			continue
		}
		if c := filter.Cursor; c != nil && !before(rec, c) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		return before(matched[j], &domain.Cursor{RecordedAt: matched[i].RecordedAt, ID: matched[i].ID})
	})

	if filter.Limit <= 0 || len(matched) <= filter.Limit {
		return matched, nil, nil
	}
	page := matched[:filter.Limit]
	last := page[len(page)-1]
	return page, &domain.Cursor{RecordedAt: last.RecordedAt, ID: last.ID}, nil
}

// HealthRecords returns the stored records for a client in key order.
func (s *Store) HealthRecords(clientID string) []domain.HealthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HealthRecord
	for _, rec := range s.records {
		if rec.ClientID == clientID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].DataType < out[j].DataType
	})
	return out
}

// Events returns the captured integration events in emission order.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *Store) findLocked(clientID string, provider domain.Provider) *domain.Connection {
	for _, conn := range s.connections {
		if conn.ClientID == clientID && conn.Provider == provider {
			return conn
		}
	}
	return nil
}

// before reports whether rec sorts strictly after the cursor position in a
// newest-first listing.
func before(rec domain.HealthRecord, c *domain.Cursor) bool {
	if !rec.RecordedAt.Equal(c.RecordedAt) {
		return rec.RecordedAt.Before(c.RecordedAt)
	}
	return rec.ID < c.ID
}

func lastSynced(c domain.Connection) time.Time {
	if c.LastSyncedAt == nil {
		return time.Time{}
	}
	return *c.LastSyncedAt
}

func tempKey(userID string, provider domain.Provider) string {
	return userID + "|" + string(provider)
}

var (
	_ domain.ConnectionStore   = (*Store)(nil)
	_ domain.TempTokenStore    = (*Store)(nil)
	_ domain.HealthRecordStore = (*Store)(nil)
	_ domain.SyncRequester     = (*Store)(nil)
	_ domain.ProfileResolver   = (*Store)(nil)
)
