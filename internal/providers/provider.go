// Package providers models each wearable vendor as a variant that knows how to
// start authorization and exchange a callback for long-lived credentials.
package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/wearables/internal/config"
	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/oauth1"
)

// RequestToken is an OAuth 1.0a temporary credential pair. The caller persists
// it between BuildAuthURL and Exchange.
type RequestToken struct {
	Token  string
	Secret string
}

// Authorization is the outcome of starting a connect flow.
type Authorization struct {
	URL          string
	RequestToken *RequestToken
}

// CallbackParams carries the values a provider needs to finish the handshake.
type CallbackParams struct {
	Code string

	OAuthToken    string
	OAuthVerifier string
	// TokenSecret is the secret of the stored request token.
	TokenSecret string
}

// Grant holds the long-lived credentials returned by a provider.
type Grant struct {
	AccessToken    string
	RefreshToken   string
	TokenSecret    string
	ExpiresAt      *time.Time
	ProviderUserID string
}

// Provider is one wearable vendor's authorization variant.
type Provider interface {
	ID() domain.Provider
	BuildAuthURL(ctx context.Context, userID string) (Authorization, error)
	Exchange(ctx context.Context, params CallbackParams) (Grant, error)
}

// Endpoints overrides vendor URLs, mainly for tests.
type Endpoints struct {
	GoogleAuthURL      string
	GoogleTokenURL     string
	FitbitAuthURL      string
	FitbitTokenURL     string
	GarminRequestToken string
	GarminAuthorize    string
	GarminAccessToken  string
}

// Options configures the Registry.
type Options struct {
	CallbackURL string
	GoogleFit   config.ProviderCredentials
	Fitbit      config.ProviderCredentials
	Garmin      config.ProviderCredentials
	State       *StateCodec
	Client      *Client
	Endpoints   Endpoints
	Now         func() time.Time
}

// Registry resolves provider variants by id.
type Registry struct {
	providers map[domain.Provider]Provider
	signer    *oauth1.Signer
	state     *StateCodec
}

// NewRegistry builds every provider variant. Providers without credentials are
// registered as variants that fail with a ConfigurationError.
func NewRegistry(opts Options) *Registry {
	if opts.Client == nil {
		opts.Client = NewClient(defaultTimeout)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.State == nil {
		opts.State = NewStateCodec(uuid.NewString(), 0, opts.Now)
	}

	r := &Registry{providers: make(map[domain.Provider]Provider, len(domain.Providers)), state: opts.State}

	if opts.GoogleFit.Configured() {
		r.providers[domain.ProviderGoogleFit] = newGoogleFit(opts)
	} else {
		r.providers[domain.ProviderGoogleFit] = unconfigured{id: domain.ProviderGoogleFit, setting: "GOOGLE_FIT_CLIENT_ID/GOOGLE_FIT_CLIENT_SECRET"}
	}

	if opts.Fitbit.Configured() {
		r.providers[domain.ProviderFitbit] = newFitbit(opts)
	} else {
		r.providers[domain.ProviderFitbit] = unconfigured{id: domain.ProviderFitbit, setting: "FITBIT_CLIENT_ID/FITBIT_CLIENT_SECRET"}
	}

	if opts.Garmin.Configured() {
		r.signer = oauth1.NewSigner(opts.Garmin.ClientID, opts.Garmin.ClientSecret)
		r.providers[domain.ProviderGarmin] = NewGarmin(r.signer, opts.CallbackURL, opts.Client, opts.Endpoints)
	} else {
		r.providers[domain.ProviderGarmin] = unconfigured{id: domain.ProviderGarmin, setting: "GARMIN_CONSUMER_KEY/GARMIN_CONSUMER_SECRET"}
	}

	r.providers[domain.ProviderAppleHealth] = appleHealth{}
	return r
}

// Get returns the variant for id.
func (r *Registry) Get(id domain.Provider) (Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, id)
	}
	return p, nil
}

// Configured reports whether id has the credentials needed to talk to its API.
func (r *Registry) Configured(id domain.Provider) bool {
	switch r.providers[id].(type) {
	case nil, unconfigured, appleHealth:
		return false
	}
	return true
}

// GarminSigner returns the signer shared with the Garmin sync fetcher, or nil
// when Garmin is not configured.
func (r *Registry) GarminSigner() *oauth1.Signer {
	return r.signer
}

// State returns the codec that signs OAuth 2.0 state values.
func (r *Registry) State() *StateCodec {
	return r.state
}

type unconfigured struct {
	id      domain.Provider
	setting string
}

func (u unconfigured) ID() domain.Provider { return u.id }

func (u unconfigured) BuildAuthURL(context.Context, string) (Authorization, error) {
	return Authorization{}, &domain.ConfigurationError{Provider: u.id, Setting: u.setting}
}

func (u unconfigured) Exchange(context.Context, CallbackParams) (Grant, error) {
	return Grant{}, &domain.ConfigurationError{Provider: u.id, Setting: u.setting}
}

// appleHealth has no server-side OAuth; data only flows through the native app.
type appleHealth struct{}

func (appleHealth) ID() domain.Provider { return domain.ProviderAppleHealth }

func (appleHealth) BuildAuthURL(context.Context, string) (Authorization, error) {
	return Authorization{}, domain.ErrNativeAppRequired
}

func (appleHealth) Exchange(context.Context, CallbackParams) (Grant, error) {
	return Grant{}, domain.ErrNativeAppRequired
}
