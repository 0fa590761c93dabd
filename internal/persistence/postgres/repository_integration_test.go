//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/persistence/postgres/pgtest"
)

func TestConnectionUpsertIsKeyedByClientAndProvider(t *testing.T) {
	ctx := context.Background()
	pool, _ := pgtest.Start(t)
	repo := NewRepository(pool)

	clientID := pgtest.SeedProfile(t, pool, "user-1")
	resolved, err := repo.ResolveClientID(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, clientID, resolved)

	_, err = repo.ResolveClientID(ctx, "nobody")
	var missing *domain.ProfileNotFoundError
	require.ErrorAs(t, err, &missing)

	refresh := "r1"
	first, err := repo.UpsertConnection(ctx, domain.Connection{ClientID: clientID, Provider: domain.ProviderGoogleFit, AccessToken: "a1", RefreshToken: &refresh})
	require.NoError(t, err)

	revoked, err := repo.DeactivateConnection(ctx, clientID, domain.ProviderGoogleFit)
	require.NoError(t, err)
	require.False(t, revoked.IsActive)

	second, err := repo.UpsertConnection(ctx, domain.Connection{ClientID: clientID, Provider: domain.ProviderGoogleFit, AccessToken: "a2"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.IsActive)
	require.Equal(t, "a2", second.AccessToken)
	require.Nil(t, second.RefreshToken)

	conns, err := repo.ListConnections(ctx, clientID)
	require.NoError(t, err)
	require.Len(t, conns, 1)

	var outboxRows int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE aggregate_id=$1`, first.ID).Scan(&outboxRows))
	require.Equal(t, 5, outboxRows)

	var topic, key string
	require.NoError(t, pool.QueryRow(ctx, `SELECT topic, partition_key FROM outbox WHERE event_type='wearable.sync_requested' ORDER BY event_id LIMIT 1`).Scan(&topic, &key))
	require.Equal(t, "wearable_sync_requests", topic)
	require.Equal(t, first.ID, key)
}

func TestHealthRecordUpsertKeepsLatestValue(t *testing.T) {
	ctx := context.Background()
	pool, _ := pgtest.Start(t)
	repo := NewRepository(pool)

	clientID := pgtest.SeedProfile(t, pool, "user-1")
	conn, err := repo.UpsertConnection(ctx, domain.Connection{ClientID: clientID, Provider: domain.ProviderFitbit, AccessToken: "a"})
	require.NoError(t, err)

	day := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	rec := domain.HealthRecord{ClientID: clientID, ConnectionID: conn.ID, DataType: domain.DataTypeSteps, RecordedAt: day, Value: 1000, Unit: "steps", Source: domain.ProviderFitbit, RawPayload: []byte(`{"steps":1000}`)}
	n, err := repo.UpsertHealthRecords(ctx, []domain.HealthRecord{rec})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec.Value = 4821
	rec.RecordedAt = day.Add(20 * time.Hour)
	_, err = repo.UpsertHealthRecords(ctx, []domain.HealthRecord{rec})
	require.NoError(t, err)

	records, next, err := repo.ListHealthRecords(ctx, clientID, domain.RecordFilter{Limit: 10})
	require.NoError(t, err)
	require.Nil(t, next)
	require.Len(t, records, 1)
	require.Equal(t, 4821.0, records[0].Value)
	require.Equal(t, day, records[0].RecordedAt.UTC())
	require.Equal(t, conn.ID, records[0].ConnectionID)

	var second = rec
	second.RecordedAt = day.AddDate(0, 0, -1)
	second.DataType = domain.DataTypeCalories
	_, err = repo.UpsertHealthRecords(ctx, []domain.HealthRecord{second})
	require.NoError(t, err)

	page, next, err := repo.ListHealthRecords(ctx, clientID, domain.RecordFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.NotNil(t, next)
	rest, _, err := repo.ListHealthRecords(ctx, clientID, domain.RecordFilter{Limit: 1, Cursor: next})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, domain.DataTypeCalories, rest[0].DataType)
}

func TestTempTokensAndSyncBookkeeping(t *testing.T) {
	ctx := context.Background()
	pool, _ := pgtest.Start(t)
	repo := NewRepository(pool)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, repo.UpsertTempToken(ctx, domain.TempToken{UserID: "u1", Provider: domain.ProviderGarmin, OAuthToken: "t1", OAuthTokenSecret: "s1", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, repo.UpsertTempToken(ctx, domain.TempToken{UserID: "u1", Provider: domain.ProviderGarmin, OAuthToken: "t2", OAuthTokenSecret: "s2", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, repo.UpsertTempToken(ctx, domain.TempToken{UserID: "u2", Provider: domain.ProviderGarmin, OAuthToken: "t3", OAuthTokenSecret: "s3", ExpiresAt: now.Add(-time.Minute)}))

	stale, err := repo.GetTempToken(ctx, "t1", now)
	require.NoError(t, err)
	require.Nil(t, stale)

	current, err := repo.GetTempToken(ctx, "t2", now)
	require.NoError(t, err)
	require.Equal(t, "s2", current.OAuthTokenSecret)

	reaped, err := repo.DeleteExpiredTempTokens(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), reaped)

	require.NoError(t, repo.DeleteTempToken(ctx, "t2"))
	gone, err := repo.GetTempToken(ctx, "t2", now)
	require.NoError(t, err)
	require.Nil(t, gone)

	clientID := pgtest.SeedProfile(t, pool, "user-9")
	conn, err := repo.UpsertConnection(ctx, domain.Connection{ClientID: clientID, Provider: domain.ProviderGarmin, AccessToken: "a"})
	require.NoError(t, err)

	due, err := repo.ListDueConnections(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, repo.MarkSynced(ctx, domain.SyncSummary{ConnectionID: conn.ID, ClientID: clientID, Provider: domain.ProviderGarmin, SyncedAt: now}))
	due, err = repo.ListDueConnections(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, due)

	require.NoError(t, repo.RequestSync(ctx, conn, "scheduled"))
	var requested int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE event_type='wearable.sync_requested' AND aggregate_id=$1`, conn.ID).Scan(&requested))
	require.Equal(t, 2, requested)
}
