// Package integration runs the connect flow: starting provider authorization,
// completing the redirect callback and managing the resulting connections.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/observability"
	"example.com/wearables/internal/providers"
)

const defaultTempTokenTTL = 15 * time.Minute

// Stores groups the persistence collaborators of the Service.
type Stores struct {
	Connections domain.ConnectionStore
	TempTokens  domain.TempTokenStore
	Records     domain.HealthRecordStore
	Profiles    domain.ProfileResolver
}

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithLogger overrides the logger used to report callback failures.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTempTokenTTL sets how long a Garmin request token may wait for its callback.
func WithTempTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tempTokenTTL = ttl
		}
	}
}

// Service orchestrates authorization and connection management.
type Service struct {
	registry     *providers.Registry
	stores       Stores
	redirectURL  string
	tempTokenTTL time.Duration
	now          func() time.Time
	logger       *log.Logger
}

// NewService constructs a Service. redirectURL is the dashboard page every
// callback ends on.
func NewService(registry *providers.Registry, stores Stores, redirectURL string, opts ...Option) *Service {
	s := &Service{
		registry:     registry,
		stores:       stores,
		redirectURL:  redirectURL,
		tempTokenTTL: defaultTempTokenTTL,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       log.New(log.Writer(), "[integration] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartAuthorization returns the provider consent URL for the user. For Garmin
// the request token is stored until the callback redeems it.
func (s *Service) StartAuthorization(ctx context.Context, userID, providerName string) (string, error) {
	id, err := domain.ParseProvider(providerName)
	if err != nil {
		return "", err
	}
	provider, err := s.registry.Get(id)
	if err != nil {
		return "", err
	}

	auth, err := provider.BuildAuthURL(ctx, userID)
	if err != nil {
		observability.RecordAuthorization(string(id), "failed")
		return "", err
	}

	if auth.RequestToken != nil {
		now := s.now()
		err := s.stores.TempTokens.UpsertTempToken(ctx, domain.TempToken{
			UserID:           userID,
			Provider:         id,
			OAuthToken:       auth.RequestToken.Token,
			OAuthTokenSecret: auth.RequestToken.Secret,
			CreatedAt:        now,
			ExpiresAt:        now.Add(s.tempTokenTTL),
		})
		if err != nil {
			observability.RecordAuthorization(string(id), "failed")
			return "", fmt.Errorf("store request token: %w", err)
		}
	}

	observability.RecordAuthorization(string(id), "started")
	return auth.URL, nil
}

// HandleCallback completes a provider redirect and returns the dashboard URL
// to send the browser to. It never fails: errors become an error query value.
func (s *Service) HandleCallback(ctx context.Context, query url.Values) string {
	provider, err := s.handleCallback(ctx, query)
	if err != nil {
		s.logger.Printf("oauth callback failed provider=%s: %v", provider, err)
		observability.RecordCallback(string(provider), "failed")
		return s.redirect("error", callbackMessage(err))
	}
	observability.RecordCallback(string(provider), "connected")
	return s.redirect("connected", string(provider))
}

// providerError carries an error reported by the provider on the redirect.
type providerError struct {
	code        string
	description string
}

func (e *providerError) Error() string {
	if e.description != "" {
		return e.code + ": " + e.description
	}
	return e.code
}

func (s *Service) handleCallback(ctx context.Context, query url.Values) (domain.Provider, error) {
	switch {
	case query.Get("error") != "":
		return "", &providerError{code: query.Get("error"), description: query.Get("error_description")}
	case query.Get("oauth_token") != "" && query.Get("oauth_verifier") != "":
		return domain.ProviderGarmin, s.completeGarmin(ctx, query.Get("oauth_token"), query.Get("oauth_verifier"))
	case query.Get("code") != "" && query.Get("state") != "":
		return s.completeOAuth2(ctx, query.Get("code"), query.Get("state"))
	default:
		return "", domain.ErrInvalidCallback
	}
}

func (s *Service) completeGarmin(ctx context.Context, oauthToken, verifier string) error {
	temp, err := s.stores.TempTokens.GetTempToken(ctx, oauthToken, s.now())
	if err != nil {
		return fmt.Errorf("load request token: %w", err)
	}
	if temp == nil {
		return &domain.SessionExpiredError{Provider: domain.ProviderGarmin}
	}

	provider, err := s.registry.Get(domain.ProviderGarmin)
	if err != nil {
		return err
	}
	grant, err := provider.Exchange(ctx, providers.CallbackParams{
		OAuthToken:    oauthToken,
		OAuthVerifier: verifier,
		TokenSecret:   temp.OAuthTokenSecret,
	})
	if err != nil {
		return err
	}

	if err := s.connect(ctx, temp.UserID, domain.ProviderGarmin, grant); err != nil {
		return err
	}
	// Single use: a replayed callback must fail the lookup above.
	if err := s.stores.TempTokens.DeleteTempToken(ctx, oauthToken); err != nil {
		s.logger.Printf("delete request token: %v", err)
	}
	return nil
}

func (s *Service) completeOAuth2(ctx context.Context, code, rawState string) (domain.Provider, error) {
	state, err := s.registry.State().Decode(rawState)
	if err != nil {
		return "", err
	}
	provider, err := s.registry.Get(state.Provider)
	if err != nil {
		return state.Provider, err
	}
	grant, err := provider.Exchange(ctx, providers.CallbackParams{Code: code})
	if err != nil {
		return state.Provider, err
	}
	return state.Provider, s.connect(ctx, state.UserID, state.Provider, grant)
}

func (s *Service) connect(ctx context.Context, userID string, provider domain.Provider, grant providers.Grant) error {
	clientID, err := s.stores.Profiles.ResolveClientID(ctx, userID)
	if err != nil {
		return err
	}
	_, err = s.stores.Connections.UpsertConnection(ctx, domain.Connection{
		ClientID:       clientID,
		Provider:       provider,
		AccessToken:    grant.AccessToken,
		RefreshToken:   optional(grant.RefreshToken),
		TokenSecret:    optional(grant.TokenSecret),
		TokenExpiresAt: grant.ExpiresAt,
		ProviderUserID: optional(grant.ProviderUserID),
		IsActive:       true,
	})
	if err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	return nil
}

// Revoke deactivates the user's connection to provider.
func (s *Service) Revoke(ctx context.Context, userID, providerName string) error {
	provider, err := domain.ParseProvider(providerName)
	if err != nil {
		return err
	}
	clientID, err := s.stores.Profiles.ResolveClientID(ctx, userID)
	if err != nil {
		return err
	}
	conn, err := s.stores.Connections.DeactivateConnection(ctx, clientID, provider)
	if err != nil {
		return err
	}
	if conn == nil {
		return domain.ErrConnectionNotFound
	}
	return nil
}

// ListConnections returns the user's connections.
func (s *Service) ListConnections(ctx context.Context, userID string) ([]domain.Connection, error) {
	clientID, err := s.stores.Profiles.ResolveClientID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.stores.Connections.ListConnections(ctx, clientID)
}

// AuthorizeConnection loads a connection and checks that it belongs to the user.
func (s *Service) AuthorizeConnection(ctx context.Context, userID, connectionID string) (*domain.Connection, error) {
	clientID, err := s.stores.Profiles.ResolveClientID(ctx, userID)
	if err != nil {
		return nil, err
	}
	conn, err := s.stores.Connections.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.ClientID != clientID {
		return nil, domain.ErrConnectionNotFound
	}
	return conn, nil
}

// ListHealthRecords pages through the user's stored records.
func (s *Service) ListHealthRecords(ctx context.Context, userID string, filter domain.RecordFilter) ([]domain.HealthRecord, *domain.Cursor, error) {
	clientID, err := s.stores.Profiles.ResolveClientID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return s.stores.Records.ListHealthRecords(ctx, clientID, filter)
}

func (s *Service) redirect(key, value string) string {
	q := url.Values{}
	q.Set(key, value)
	return s.redirectURL + "?" + q.Encode()
}

// callbackMessage renders err for the redirect query string.
func callbackMessage(err error) string {
	var pe *providerError
	if errors.As(err, &pe) {
		return strings.TrimSpace(pe.Error())
	}
	return domain.PublicMessage(err)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
