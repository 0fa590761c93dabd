package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/wearables/internal/auth"
	"example.com/wearables/internal/config"
	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/healthsync"
	"example.com/wearables/internal/integration"
	"example.com/wearables/internal/persistence/memory"
	"example.com/wearables/internal/providers"
)

const dashboardURL = "https://app.example.com/dashboard/client/integrations"

type stubSyncer struct {
	calls  []string
	result healthsync.Result
	err    error
}

func (s *stubSyncer) Sync(_ context.Context, connectionID string) (healthsync.Result, error) {
	s.calls = append(s.calls, connectionID)
	return s.result, s.err
}

type fixture struct {
	mux    *http.ServeMux
	store  *memory.Store
	syncer *stubSyncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fitbit/token", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"f-access","refresh_token":"f-refresh","expires_in":28800,"user_id":"FB1","token_type":"Bearer"}`)
	}))
	t.Cleanup(tokenSrv.Close)

	registry := providers.NewRegistry(providers.Options{
		CallbackURL: "https://api.example.com" + CallbackPath,
		Fitbit:      config.ProviderCredentials{ClientID: "f-id", ClientSecret: "f-secret"},
		State:       providers.NewStateCodec("state-secret", 10*time.Minute, nil),
		Client:      providers.NewClient(time.Second, providers.WithHTTPClient(tokenSrv.Client())),
		Endpoints:   providers.Endpoints{FitbitTokenURL: tokenSrv.URL + "/fitbit/token"},
	})

	store := memory.NewStore()
	store.AddProfile("u1", "client-1")
	store.AddProfile("u2", "client-2")
	service := integration.NewService(registry, integration.Stores{
		Connections: store,
		TempTokens:  store,
		Records:     store,
		Profiles:    store,
	}, dashboardURL, integration.WithLogger(log.New(io.Discard, "", 0)))

	syncer := &stubSyncer{}
	mux := http.NewServeMux()
	NewHandler(service, syncer, log.New(io.Discard, "", 0)).RegisterRoutes(mux)
	return &fixture{mux: mux, store: store, syncer: syncer}
}

func (f *fixture) do(t *testing.T, method, target, body, userID string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if userID != "" {
		granted := make(map[string]struct{}, len(scopes))
		for _, s := range scopes {
			granted[s] = struct{}{}
		}
		req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{Subject: userID, Scopes: granted, ExpiresAt: time.Now().Add(time.Hour)}))
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestAuthorizeAndCallbackConnectFitbit(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/integrations/authorize", `{"provider":"fitbit"}`, "u1", auth.ScopeIntegrationsWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	authURL, err := url.Parse(decode[AuthorizeResponse](t, rr).AuthURL)
	require.NoError(t, err)
	require.Equal(t, "f-id", authURL.Query().Get("client_id"))
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	rr = f.do(t, http.MethodGet, CallbackPath+"?code=abc&state="+url.QueryEscape(state), "", "")
	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, dashboardURL+"?connected=fitbit", rr.Header().Get("Location"))

	conns, err := f.store.ListConnections(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, "f-access", conns[0].AccessToken)
}

func TestAuthorizeErrors(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"native only", `{"provider":"apple_health"}`, http.StatusBadRequest, "Apple Health requires the native app"},
		{"unconfigured", `{"provider":"garmin"}`, http.StatusBadRequest, "garmin integration is not configured"},
		{"unknown", `{"provider":"polar"}`, http.StatusBadRequest, "unknown provider"},
		{"missing", `{}`, http.StatusBadRequest, "provider is required"},
		{"malformed", `{`, http.StatusBadRequest, "unable to parse body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/v1/integrations/authorize", tc.body, "u1", auth.ScopeIntegrationsWrite)
			require.Equal(t, tc.status, rr.Code)
			require.Equal(t, tc.message, decode[map[string]string](t, rr)["error"])
		})
	}

	rr := f.do(t, http.MethodPost, "/v1/integrations/authorize", `{"provider":"fitbit"}`, "u1", auth.ScopeIntegrationsRead)
	require.Equal(t, http.StatusForbidden, rr.Code)
	rr = f.do(t, http.MethodPost, "/v1/integrations/authorize", `{"provider":"fitbit"}`, "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCallbackAlwaysRedirects(t *testing.T) {
	f := newFixture(t)

	for _, query := range []string{"?error=access_denied", "", "?code=abc&state=forged"} {
		rr := f.do(t, http.MethodGet, CallbackPath+query, "", "")
		require.Equal(t, http.StatusFound, rr.Code, query)
		location, err := url.Parse(rr.Header().Get("Location"))
		require.NoError(t, err)
		require.NotEmpty(t, location.Query().Get("error"), query)
		require.Empty(t, location.Query().Get("connected"))
	}
}

func TestSyncChecksOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine, err := f.store.UpsertConnection(ctx, domain.Connection{ClientID: "client-1", Provider: domain.ProviderFitbit, AccessToken: "a"})
	require.NoError(t, err)
	theirs, err := f.store.UpsertConnection(ctx, domain.Connection{ClientID: "client-2", Provider: domain.ProviderFitbit, AccessToken: "b"})
	require.NoError(t, err)

	f.syncer.result = healthsync.Result{DataPoints: 14}
	rr := f.do(t, http.MethodPost, "/v1/integrations/sync", `{"connectionId":"`+mine.ID+`"}`, "u1", auth.ScopeIntegrationsWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.JSONEq(t, `{"success":true,"dataPoints":14,"failedEndpoints":[]}`, rr.Body.String())
	require.Equal(t, []string{mine.ID}, f.syncer.calls)

	rr = f.do(t, http.MethodPost, "/v1/integrations/sync", `{"connectionId":"`+theirs.ID+`"}`, "u1", auth.ScopeIntegrationsWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "connection not found", decode[map[string]string](t, rr)["error"])
	require.Len(t, f.syncer.calls, 1)

	f.syncer.err = domain.ErrConnectionInactive
	rr = f.do(t, http.MethodPost, "/v1/integrations/sync", `{"connectionId":"`+mine.ID+`"}`, "u1", auth.ScopeIntegrationsWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "connection is not active", decode[map[string]string](t, rr)["error"])
}

func TestListAndRevokeConnections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.UpsertConnection(ctx, domain.Connection{ClientID: "client-1", Provider: domain.ProviderFitbit, AccessToken: "secret-access-token"})
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/v1/integrations", "", "u1", auth.ScopeIntegrationsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotContains(t, rr.Body.String(), "secret-access-token")
	list := decode[ListConnectionsResponse](t, rr)
	require.Len(t, list.Items, 1)
	require.Equal(t, "connected", list.Items[0].Status)

	rr = f.do(t, http.MethodDelete, "/v1/integrations/fitbit", "", "u1", auth.ScopeIntegrationsWrite)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/integrations", "", "u1", auth.ScopeIntegrationsWrite)
	require.Equal(t, "disconnected", decode[ListConnectionsResponse](t, rr).Items[0].Status)

	rr = f.do(t, http.MethodDelete, "/v1/integrations/garmin", "", "u1", auth.ScopeIntegrationsWrite)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodDelete, "/v1/integrations/polar", "", "u1", auth.ScopeIntegrationsWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/integrations", "", "nobody", auth.ScopeIntegrationsRead)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListHealthRecordsPaginates(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)
	_, err := f.store.UpsertHealthRecords(context.Background(), []domain.HealthRecord{
		{ClientID: "client-1", DataType: domain.DataTypeSteps, RecordedAt: day, Value: 4821, Unit: "steps", Source: domain.ProviderGoogleFit},
		{ClientID: "client-1", DataType: domain.DataTypeSteps, RecordedAt: day.AddDate(0, 0, -1), Value: 3000, Unit: "steps", Source: domain.ProviderGoogleFit},
		{ClientID: "client-1", DataType: domain.DataTypeSleep, RecordedAt: day, Value: 420, Unit: "min", Source: domain.ProviderFitbit},
		{ClientID: "client-2", DataType: domain.DataTypeSteps, RecordedAt: day, Value: 1, Unit: "steps", Source: domain.ProviderFitbit},
	})
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/v1/health-records?dataType=steps&limit=1", "", "u1", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	first := decode[ListHealthRecordsResponse](t, rr)
	require.Len(t, first.Items, 1)
	require.Equal(t, "2026-05-03", first.Items[0].RecordedAt)
	require.Equal(t, 4821.0, first.Items[0].Value)
	require.NotEmpty(t, first.NextCursor)

	rr = f.do(t, http.MethodGet, "/v1/health-records?dataType=steps&limit=1&cursor="+first.NextCursor, "", "u1", auth.ScopeHealthRead)
	second := decode[ListHealthRecordsResponse](t, rr)
	require.Len(t, second.Items, 1)
	require.Equal(t, "2026-05-02", second.Items[0].RecordedAt)
	require.Empty(t, second.NextCursor)

	rr = f.do(t, http.MethodGet, "/v1/health-records", "", "u1", auth.ScopeHealthRead)
	require.Len(t, decode[ListHealthRecordsResponse](t, rr).Items, 3)

	for _, query := range []string{"?dataType=glucose", "?limit=ten", "?cursor=not-base64!"} {
		rr = f.do(t, http.MethodGet, "/v1/health-records"+query, "", "u1", auth.ScopeHealthRead)
		require.Equal(t, http.StatusBadRequest, rr.Code, query)
	}

	rr = f.do(t, http.MethodGet, "/v1/health-records", "", "u1", auth.ScopeIntegrationsRead)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}
