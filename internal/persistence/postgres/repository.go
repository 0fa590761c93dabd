package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/events"
)

// Repository provides Postgres-backed persistence for connections, temp
// tokens, health records and outbox events.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

const connectionColumns = `id::text, client_id::text, provider, access_token, refresh_token, token_secret, token_expires_at,
        provider_user_id, is_active, last_synced_at, created_at, updated_at`

func scanConnection(row pgx.Row) (domain.Connection, error) {
	var c domain.Connection
	var provider string
	err := row.Scan(&c.ID, &c.ClientID, &provider, &c.AccessToken, &c.RefreshToken, &c.TokenSecret, &c.TokenExpiresAt,
		&c.ProviderUserID, &c.IsActive, &c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt)
	c.Provider = domain.Provider(provider)
	return c, err
}

// ResolveClientID maps an authenticated user to its client profile.
func (r *Repository) ResolveClientID(ctx context.Context, userID string) (string, error) {
	var clientID string
	err := r.pool.QueryRow(ctx, `SELECT id::text FROM client_profiles WHERE user_id=$1`, userID).Scan(&clientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", &domain.ProfileNotFoundError{UserID: userID}
		}
		return "", err
	}
	return clientID, nil
}

// UpsertConnection stores the connection for (client, provider), overwriting
// tokens and re-activating a revoked row, and records the connect events in
// the same transaction.
func (r *Repository) UpsertConnection(ctx context.Context, conn domain.Connection) (domain.Connection, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Connection{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	now := r.now()
	upsert := `INSERT INTO wearable_connections (id, client_id, provider, access_token, refresh_token, token_secret, token_expires_at, provider_user_id, is_active, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,TRUE,$9,$9)
        ON CONFLICT (client_id, provider) DO UPDATE SET
            access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            token_secret = EXCLUDED.token_secret,
            token_expires_at = EXCLUDED.token_expires_at,
            provider_user_id = EXCLUDED.provider_user_id,
            is_active = TRUE,
            updated_at = EXCLUDED.updated_at
        RETURNING ` + connectionColumns

	var stored domain.Connection
	stored, err = scanConnection(tx.QueryRow(ctx, upsert,
		uuid.NewString(),
		conn.ClientID,
		string(conn.Provider),
		conn.AccessToken,
		conn.RefreshToken,
		conn.TokenSecret,
		conn.TokenExpiresAt,
		conn.ProviderUserID,
		now,
	))
	if err != nil {
		return domain.Connection{}, err
	}

	if err = r.insertOutbox(ctx, tx, connectionEvent(stored), events.TypeConnectionChanged, events.ConnectionChanged{
		ConnectionID: stored.ID,
		ClientID:     stored.ClientID,
		Provider:     string(stored.Provider),
		State:        string(domain.StatusConnected),
		OccurredAt:   now,
	}); err != nil {
		return domain.Connection{}, err
	}
	if err = r.insertOutbox(ctx, tx, connectionEvent(stored), events.TypeSyncRequested, events.SyncRequested{
		ConnectionID: stored.ID,
		ClientID:     stored.ClientID,
		Provider:     string(stored.Provider),
		Reason:       "connected",
		RequestedAt:  now,
	}); err != nil {
		return domain.Connection{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.Connection{}, err
	}
	return stored, nil
}

// GetConnection retrieves a connection by id, nil when absent.
func (r *Repository) GetConnection(ctx context.Context, id string) (*domain.Connection, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	conn, err := scanConnection(r.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM wearable_connections WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

// ListConnections returns every connection of a client ordered by provider.
func (r *Repository) ListConnections(ctx context.Context, clientID string) ([]domain.Connection, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+connectionColumns+` FROM wearable_connections WHERE client_id=$1 ORDER BY provider`, clientID)
	if err != nil {
		return nil, err
	}
	return collectConnections(rows)
}

// ListDueConnections returns active connections whose last sync is older than cutoff.
func (r *Repository) ListDueConnections(ctx context.Context, cutoff time.Time, limit int) ([]domain.Connection, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+connectionColumns+` FROM wearable_connections
        WHERE is_active AND provider <> 'apple_health' AND (last_synced_at IS NULL OR last_synced_at < $1)
        ORDER BY last_synced_at NULLS FIRST, id
        LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectConnections(rows)
}

func collectConnections(rows pgx.Rows) ([]domain.Connection, error) {
	defer rows.Close()
	var out []domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

// DeactivateConnection soft-deletes the client's connection to provider. It
// returns nil when no such connection exists.
func (r *Repository) DeactivateConnection(ctx context.Context, clientID string, provider domain.Provider) (*domain.Connection, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := r.now()
	conn, err := scanConnection(tx.QueryRow(ctx, `UPDATE wearable_connections SET is_active=FALSE, updated_at=$3
        WHERE client_id=$1 AND provider=$2
        RETURNING `+connectionColumns, clientID, string(provider), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := r.insertOutbox(ctx, tx, connectionEvent(conn), events.TypeConnectionChanged, events.ConnectionChanged{
		ConnectionID: conn.ID,
		ClientID:     conn.ClientID,
		Provider:     string(conn.Provider),
		State:        string(domain.StatusDisconnected),
		OccurredAt:   now,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &conn, nil
}

// MarkSynced stamps last_synced_at and records the sync outcome event.
func (r *Repository) MarkSynced(ctx context.Context, summary domain.SyncSummary) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE wearable_connections SET last_synced_at=$2, updated_at=$2 WHERE id=$1`, summary.ConnectionID, summary.SyncedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}

	failed := summary.FailedEndpoints
	if failed == nil {
		failed = []string{}
	}
	meta := outboxEvent{ClientID: summary.ClientID, AggregateType: "wearable_connection", AggregateID: summary.ConnectionID}
	if err := r.insertOutbox(ctx, tx, meta, events.TypeRecordsSynced, events.RecordsSynced{
		ConnectionID:    summary.ConnectionID,
		ClientID:        summary.ClientID,
		Provider:        string(summary.Provider),
		DataPoints:      summary.DataPoints,
		FailedEndpoints: failed,
		WindowStart:     summary.WindowStart,
		WindowEnd:       summary.WindowEnd,
		SyncedAt:        summary.SyncedAt,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RequestSync records a sync_requested event for the connection.
func (r *Repository) RequestSync(ctx context.Context, conn domain.Connection, reason string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := r.insertOutbox(ctx, tx, connectionEvent(conn), events.TypeSyncRequested, events.SyncRequested{
		ConnectionID: conn.ID,
		ClientID:     conn.ClientID,
		Provider:     string(conn.Provider),
		Reason:       reason,
		RequestedAt:  r.now(),
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertTempToken replaces any pending request token of the user for the provider.
func (r *Repository) UpsertTempToken(ctx context.Context, token domain.TempToken) error {
	createdAt := token.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO oauth_temp_tokens (user_id, provider, oauth_token, oauth_token_secret, created_at, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (user_id, provider) DO UPDATE SET
            oauth_token = EXCLUDED.oauth_token,
            oauth_token_secret = EXCLUDED.oauth_token_secret,
            created_at = EXCLUDED.created_at,
            expires_at = EXCLUDED.expires_at`,
		token.UserID, string(token.Provider), token.OAuthToken, token.OAuthTokenSecret, createdAt, token.ExpiresAt)
	return err
}

// GetTempToken returns the unexpired token, nil otherwise.
func (r *Repository) GetTempToken(ctx context.Context, oauthToken string, now time.Time) (*domain.TempToken, error) {
	var t domain.TempToken
	var provider string
	err := r.pool.QueryRow(ctx, `SELECT user_id, provider, oauth_token, oauth_token_secret, created_at, expires_at
        FROM oauth_temp_tokens WHERE oauth_token=$1 AND expires_at > $2`, oauthToken, now).
		Scan(&t.UserID, &provider, &t.OAuthToken, &t.OAuthTokenSecret, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.Provider = domain.Provider(provider)
	return &t, nil
}

// DeleteTempToken removes a redeemed token.
func (r *Repository) DeleteTempToken(ctx context.Context, oauthToken string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM oauth_temp_tokens WHERE oauth_token=$1`, oauthToken)
	return err
}

// DeleteExpiredTempTokens reaps abandoned tokens and returns how many were removed.
func (r *Repository) DeleteExpiredTempTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM oauth_temp_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertHealthRecords writes records keyed by (client_id, data_type,
// recorded_at, source) in one transaction; later values overwrite earlier ones.
func (r *Repository) UpsertHealthRecords(ctx context.Context, records []domain.HealthRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	const stmt = `INSERT INTO health_data (id, client_id, wearable_connection_id, data_type, recorded_at, value, unit, source, raw_data)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (client_id, data_type, recorded_at, source) DO UPDATE SET
            value = EXCLUDED.value,
            unit = EXCLUDED.unit,
            raw_data = EXCLUDED.raw_data,
            wearable_connection_id = EXCLUDED.wearable_connection_id,
            updated_at = NOW()`

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(stmt,
			uuid.NewString(),
			rec.ClientID,
			nullIfEmpty(rec.ConnectionID),
			string(rec.DataType),
			domain.Day(rec.RecordedAt),
			rec.Value,
			rec.Unit,
			string(rec.Source),
			rawOrNull(rec.RawPayload),
		)
	}

	results := tx.SendBatch(ctx, batch)
	written := 0
	for range records {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, err
		}
		written += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return written, nil
}

// ListHealthRecords pages through a client's records, newest day first.
func (r *Repository) ListHealthRecords(ctx context.Context, clientID string, filter domain.RecordFilter) ([]domain.HealthRecord, *domain.Cursor, error) {
	args := []interface{}{clientID, filter.Limit}
	query := `SELECT id::text, client_id::text, COALESCE(wearable_connection_id::text, ''), data_type, recorded_at, value, unit, source, raw_data
        FROM health_data WHERE client_id=$1`

	if filter.DataType != "" {
		args = append(args, string(filter.DataType))
		query += fmt.Sprintf(` AND data_type=$%d`, len(args))
	}
	if filter.Cursor != nil {
		args = append(args, filter.Cursor.RecordedAt, filter.Cursor.ID)
		query += fmt.Sprintf(` AND (recorded_at, id::text) < ($%d, $%d)`, len(args)-1, len(args))
	}
	query += ` ORDER BY recorded_at DESC, id::text DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.HealthRecord, 0, filter.Limit)
	for rows.Next() {
		var rec domain.HealthRecord
		var dataType, source string
		var raw []byte
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.ConnectionID, &dataType, &rec.RecordedAt, &rec.Value, &rec.Unit, &source, &raw); err != nil {
			return nil, nil, err
		}
		rec.DataType = domain.DataType(dataType)
		rec.Source = domain.Provider(source)
		rec.RawPayload = raw
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if filter.Limit > 0 && len(results) == filter.Limit {
		last := results[len(results)-1]
		next = &domain.Cursor{RecordedAt: last.RecordedAt, ID: last.ID}
	}
	return results, next, nil
}

// outboxEvent identifies the aggregate an outbox row belongs to.
type outboxEvent struct {
	ClientID      string
	AggregateType string
	AggregateID   string
}

func connectionEvent(conn domain.Connection) outboxEvent {
	return outboxEvent{ClientID: conn.ClientID, AggregateType: "wearable_connection", AggregateID: conn.ID}
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, evt outboxEvent, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	// Connections emit the same event types repeatedly, so every row gets
	// its own dedupe key.
	dedupeKey := fmt.Sprintf("%s:%s:%s", evt.AggregateID, eventType, uuid.NewString())

	const stmt = `INSERT INTO outbox (client_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, stmt,
		evt.ClientID,
		evt.AggregateType,
		evt.AggregateID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(evt),
		body,
		dedupeKey,
	)
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func rawOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// eventMetadata describes how to route an outbox event.
type eventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(outboxEvent) string
}

var eventCatalog = map[string]eventMetadata{
	events.TypeConnectionChanged: {
		Topic:          "wearable_connection_events",
		SchemaSubject:  "wearable_connection_events-value",
		PartitionKeyFn: func(e outboxEvent) string { return e.ClientID },
	},
	events.TypeSyncRequested: {
		Topic:          "wearable_sync_requests",
		SchemaSubject:  "wearable_sync_requests-value",
		PartitionKeyFn: func(e outboxEvent) string { return e.AggregateID },
	},
	events.TypeRecordsSynced: {
		Topic:          "health_sync_events",
		SchemaSubject:  "health_sync_events-value",
		PartitionKeyFn: func(e outboxEvent) string { return e.ClientID },
	},
}

var (
	_ domain.ConnectionStore   = (*Repository)(nil)
	_ domain.TempTokenStore    = (*Repository)(nil)
	_ domain.HealthRecordStore = (*Repository)(nil)
	_ domain.SyncRequester     = (*Repository)(nil)
	_ domain.ProfileResolver   = (*Repository)(nil)
)
