package maintenance

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/events"
	"example.com/wearables/internal/persistence/memory"
)

var quiet = WithLogger(log.New(io.Discard, "", 0))

func TestReaperDeletesOnlyExpiredTokens(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertTempToken(ctx, domain.TempToken{UserID: "u1", Provider: domain.ProviderGarmin, OAuthToken: "old", OAuthTokenSecret: "s", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, store.UpsertTempToken(ctx, domain.TempToken{UserID: "u2", Provider: domain.ProviderGarmin, OAuthToken: "fresh", OAuthTokenSecret: "s", ExpiresAt: now.Add(time.Minute)}))

	reaper := NewTempTokenReaper(store, time.Minute, quiet, WithClock(func() time.Time { return now }))
	deleted, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	remaining := store.TempTokens()
	require.Len(t, remaining, 1)
	require.Equal(t, "fresh", remaining[0].OAuthToken)
}

func TestReaperLoopStopsOnCancel(t *testing.T) {
	store := memory.NewStore()
	reaper := NewTempTokenReaper(store, 10*time.Millisecond, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	go reaper.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		reaper.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestSchedulerRequestsStaleConnections(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	stale, err := store.UpsertConnection(ctx, domain.Connection{ClientID: "c1", Provider: domain.ProviderFitbit, AccessToken: "a"})
	require.NoError(t, err)
	fresh, err := store.UpsertConnection(ctx, domain.Connection{ClientID: "c2", Provider: domain.ProviderGoogleFit, AccessToken: "a"})
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, domain.SyncSummary{ConnectionID: fresh.ID, ClientID: "c2", Provider: domain.ProviderGoogleFit, SyncedAt: now.Add(-time.Hour)}))
	_, err = store.UpsertConnection(ctx, domain.Connection{ClientID: "c3", Provider: domain.ProviderAppleHealth, AccessToken: "native"})
	require.NoError(t, err)
	before := len(store.Events())

	scheduler := NewSyncScheduler(store, store, time.Minute, 6*time.Hour, 10, quiet, WithClock(func() time.Time { return now }))
	requested, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, requested)

	emitted := store.Events()[before:]
	require.Len(t, emitted, 1)
	require.Equal(t, events.TypeSyncRequested, emitted[0].Type)
	payload := emitted[0].Payload.(events.SyncRequested)
	require.Equal(t, stale.ID, payload.ConnectionID)
	require.Equal(t, ScheduledReason, payload.Reason)
}

type failingRequester struct {
	calls int
}

func (f *failingRequester) RequestSync(context.Context, domain.Connection, string) error {
	f.calls++
	if f.calls == 1 {
		return errors.New("outbox unavailable")
	}
	return nil
}

func TestSchedulerContinuesPastFailedRequest(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	for _, client := range []string{"c1", "c2", "c3"} {
		_, err := store.UpsertConnection(ctx, domain.Connection{ClientID: client, Provider: domain.ProviderGarmin, AccessToken: "a"})
		require.NoError(t, err)
	}

	requester := &failingRequester{}
	scheduler := NewSyncScheduler(store, requester, time.Minute, time.Hour, 2, quiet)
	requested, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, requester.calls)
	require.Equal(t, 1, requested)
}
