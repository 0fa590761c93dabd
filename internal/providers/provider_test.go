package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"example.com/wearables/internal/config"
	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/oauth1"
)

const testCallback = "https://api.example.com/v1/integrations/callback"

func newTestRegistry(t *testing.T, srv *httptest.Server) *Registry {
	t.Helper()
	return NewRegistry(Options{
		CallbackURL: testCallback,
		GoogleFit:   config.ProviderCredentials{ClientID: "g-id", ClientSecret: "g-secret"},
		Fitbit:      config.ProviderCredentials{ClientID: "f-id", ClientSecret: "f-secret"},
		Garmin:      config.ProviderCredentials{ClientID: "consumer", ClientSecret: "consumer-secret"},
		State:       NewStateCodec("state-secret", time.Minute, nil),
		Client:      NewClient(time.Second, WithHTTPClient(srv.Client())),
		Endpoints: Endpoints{
			GoogleAuthURL:      srv.URL + "/google/auth",
			GoogleTokenURL:     srv.URL + "/google/token",
			FitbitAuthURL:      srv.URL + "/fitbit/auth",
			FitbitTokenURL:     srv.URL + "/fitbit/token",
			GarminRequestToken: srv.URL + "/garmin/request_token",
			GarminAuthorize:    srv.URL + "/garmin/confirm",
			GarminAccessToken:  srv.URL + "/garmin/access_token",
		},
	})
}

func TestGoogleFitAuthURLAndExchange(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/google/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"g-access","refresh_token":"g-refresh","expires_in":3600,"token_type":"Bearer"}`)
	}))
	defer srv.Close()

	registry := newTestRegistry(t, srv)
	provider, err := registry.Get(domain.ProviderGoogleFit)
	require.NoError(t, err)

	auth, err := provider.BuildAuthURL(context.Background(), "user-1")
	require.NoError(t, err)
	require.Nil(t, auth.RequestToken)

	parsed, err := url.Parse(auth.URL)
	require.NoError(t, err)
	q := parsed.Query()
	require.Equal(t, "g-id", q.Get("client_id"))
	require.Equal(t, "offline", q.Get("access_type"))
	require.Equal(t, "consent", q.Get("prompt"))
	require.Equal(t, testCallback, q.Get("redirect_uri"))

	state, err := registry.providers[domain.ProviderGoogleFit].(*oauth2Provider).state.Decode(q.Get("state"))
	require.NoError(t, err)
	require.Equal(t, State{UserID: "user-1", Provider: domain.ProviderGoogleFit}, state)

	before := time.Now()
	grant, err := provider.Exchange(context.Background(), CallbackParams{Code: "code-123"})
	require.NoError(t, err)
	require.Equal(t, "g-access", grant.AccessToken)
	require.Equal(t, "g-refresh", grant.RefreshToken)
	require.NotNil(t, grant.ExpiresAt)
	require.WithinDuration(t, before.Add(time.Hour), *grant.ExpiresAt, 5*time.Second)

	require.Equal(t, "authorization_code", form.Get("grant_type"))
	require.Equal(t, "code-123", form.Get("code"))
	require.Equal(t, "g-secret", form.Get("client_secret"))
}

func TestFitbitExchangeUsesBasicAuthAndKeepsUserID(t *testing.T) {
	var authHeader string
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"f-access","refresh_token":"f-refresh","expires_in":28800,"user_id":"ABC123","token_type":"Bearer"}`)
	}))
	defer srv.Close()

	provider, err := newTestRegistry(t, srv).Get(domain.ProviderFitbit)
	require.NoError(t, err)

	grant, err := provider.Exchange(context.Background(), CallbackParams{Code: "fitbit-code"})
	require.NoError(t, err)
	require.Equal(t, "ABC123", grant.ProviderUserID)
	require.Equal(t, "f-refresh", grant.RefreshToken)

	require.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("f-id:f-secret")), authHeader)
	require.Empty(t, form.Get("client_secret"))
}

func TestOAuth2ExchangeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	provider, err := newTestRegistry(t, srv).Get(domain.ProviderFitbit)
	require.NoError(t, err)

	_, err = provider.Exchange(context.Background(), CallbackParams{Code: "stale"})
	var rejected *domain.ProviderRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusBadRequest, rejected.StatusCode)
	require.Equal(t, domain.ProviderFitbit, rejected.Provider)
}

func TestGarminHandshakeSignsRequests(t *testing.T) {
	var requestTokenHeader, accessTokenHeader string
	var requestBodyLen int64 = -1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/garmin/request_token":
			requestTokenHeader = r.Header.Get("Authorization")
			body, _ := io.ReadAll(r.Body)
			requestBodyLen = int64(len(body))
			_, _ = io.WriteString(w, "oauth_token=req-token&oauth_token_secret=req-secret&oauth_callback_confirmed=true")
		case "/garmin/access_token":
			accessTokenHeader = r.Header.Get("Authorization")
			_, _ = io.WriteString(w, "oauth_token=access-token&oauth_token_secret=access-secret")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	provider, err := newTestRegistry(t, srv).Get(domain.ProviderGarmin)
	require.NoError(t, err)

	auth, err := provider.BuildAuthURL(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/garmin/confirm?oauth_token=req-token", auth.URL)
	require.Equal(t, &RequestToken{Token: "req-token", Secret: "req-secret"}, auth.RequestToken)
	require.Zero(t, requestBodyLen)
	require.Contains(t, requestTokenHeader, `oauth_callback="`+oauth1.PercentEncode(testCallback)+`"`)
	require.NotContains(t, requestTokenHeader, "oauth_token=")

	grant, err := provider.Exchange(context.Background(), CallbackParams{OAuthToken: "req-token", OAuthVerifier: "verifier", TokenSecret: "req-secret"})
	require.NoError(t, err)
	require.Equal(t, Grant{AccessToken: "access-token", TokenSecret: "access-secret"}, grant)
	require.Contains(t, accessTokenHeader, `oauth_verifier="verifier"`)
	require.Contains(t, accessTokenHeader, `oauth_token="req-token"`)
}

func TestGarminRequestTokenFailures(t *testing.T) {
	status := http.StatusUnauthorized
	body := "oauth_problem=signature_invalid"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	provider, err := newTestRegistry(t, srv).Get(domain.ProviderGarmin)
	require.NoError(t, err)

	_, err = provider.BuildAuthURL(context.Background(), "user-1")
	var rejected *domain.ProviderRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusUnauthorized, rejected.StatusCode)
	require.NotContains(t, err.Error(), "signature_invalid")

	status = http.StatusOK
	body = "oauth_token=only-token"
	_, err = provider.BuildAuthURL(context.Background(), "user-1")
	require.ErrorAs(t, err, &rejected)
	require.Contains(t, rejected.Reason, "oauth_token_secret")
}

func TestUnconfiguredAndNativeOnlyProviders(t *testing.T) {
	registry := NewRegistry(Options{CallbackURL: testCallback})

	garmin, err := registry.Get(domain.ProviderGarmin)
	require.NoError(t, err)
	_, err = garmin.BuildAuthURL(context.Background(), "user-1")
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Nil(t, registry.GarminSigner())

	apple, err := registry.Get(domain.ProviderAppleHealth)
	require.NoError(t, err)
	_, err = apple.BuildAuthURL(context.Background(), "user-1")
	require.ErrorIs(t, err, domain.ErrNativeAppRequired)

	_, err = registry.Get(domain.Provider("strava"))
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestStateCodecRejectsTamperingAndExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	codec := NewStateCodec("secret", 10*time.Minute, func() time.Time { return now })

	state, err := codec.Encode("user-9", domain.ProviderFitbit)
	require.NoError(t, err)

	decoded, err := codec.Decode(state)
	require.NoError(t, err)
	require.Equal(t, "user-9", decoded.UserID)

	other := NewStateCodec("different", 10*time.Minute, func() time.Time { return now })
	_, err = other.Decode(state)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	parts := strings.Split(state, ".")
	require.Len(t, parts, 3)
	forged := parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte(`{"userId":"attacker","provider":"fitbit"}`)) + "." + parts[2]
	_, err = codec.Decode(forged)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	now = now.Add(11 * time.Minute)
	_, err = codec.Decode(state)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestClientRetriesTransportFailuresOnly(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(time.Second,
		WithHTTPClient(srv.Client()),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)

	resp, err := client.DoWithRetry(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Error(t, Check(domain.ProviderFitbit, "activities", resp))
	require.True(t, IsRejected(Check(domain.ProviderFitbit, "activities", resp)))

	var attempts int32
	_, err = client.DoWithRetry(context.Background(), func(ctx context.Context) (*http.Request, error) {
		atomic.AddInt32(&attempts, 1)
		return http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:1/unreachable", nil)
	})
	require.Error(t, err)
	require.Equal(t, int32(defaultMaxAttempts), atomic.LoadInt32(&attempts))
	require.False(t, errors.Is(err, context.Canceled))
}
