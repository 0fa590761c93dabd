package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"example.com/wearables/internal/domain"
)

var (
	googleFitScopes = []string{
		"https://www.googleapis.com/auth/fitness.activity.read",
		"https://www.googleapis.com/auth/fitness.heart_rate.read",
		"https://www.googleapis.com/auth/fitness.sleep.read",
		"https://www.googleapis.com/auth/fitness.body.read",
	}
	fitbitScopes = []string{"activity", "heartrate", "sleep", "profile"}
)

// oauth2Provider implements the authorization-code flow. Vendor differences
// (client authentication style, extra token fields) are captured in fields.
type oauth2Provider struct {
	id          domain.Provider
	conf        *oauth2.Config
	state       *StateCodec
	authOptions []oauth2.AuthCodeOption
	client      *Client
	// userIDField names an extra token response field holding the provider
	// user id; data calls for that provider are scoped by it.
	userIDField string
}

func newGoogleFit(opts Options) *oauth2Provider {
	endpoint := endpoints.Google
	// Google expects client_secret in the form body.
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	endpoint.AuthURL = override(endpoint.AuthURL, opts.Endpoints.GoogleAuthURL)
	endpoint.TokenURL = override(endpoint.TokenURL, opts.Endpoints.GoogleTokenURL)

	return &oauth2Provider{
		id: domain.ProviderGoogleFit,
		conf: &oauth2.Config{
			ClientID:     opts.GoogleFit.ClientID,
			ClientSecret: opts.GoogleFit.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  opts.CallbackURL,
			Scopes:       googleFitScopes,
		},
		state: opts.State,
		// offline + consent makes Google return a refresh token on every connect.
		authOptions: []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")},
		client:      opts.Client,
	}
}

func newFitbit(opts Options) *oauth2Provider {
	endpoint := endpoints.Fitbit
	// Fitbit requires HTTP Basic client_id:client_secret on the token endpoint.
	endpoint.AuthStyle = oauth2.AuthStyleInHeader
	endpoint.AuthURL = override(endpoint.AuthURL, opts.Endpoints.FitbitAuthURL)
	endpoint.TokenURL = override(endpoint.TokenURL, opts.Endpoints.FitbitTokenURL)

	return &oauth2Provider{
		id: domain.ProviderFitbit,
		conf: &oauth2.Config{
			ClientID:     opts.Fitbit.ClientID,
			ClientSecret: opts.Fitbit.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  opts.CallbackURL,
			Scopes:       fitbitScopes,
		},
		state:       opts.State,
		client:      opts.Client,
		userIDField: "user_id",
	}
}

func (p *oauth2Provider) ID() domain.Provider { return p.id }

// BuildAuthURL returns the provider consent page URL carrying a signed state.
func (p *oauth2Provider) BuildAuthURL(_ context.Context, userID string) (Authorization, error) {
	state, err := p.state.Encode(userID, p.id)
	if err != nil {
		return Authorization{}, fmt.Errorf("encode state: %w", err)
	}
	return Authorization{URL: p.conf.AuthCodeURL(state, p.authOptions...)}, nil
}

// Exchange trades the authorization code for tokens.
func (p *oauth2Provider) Exchange(ctx context.Context, params CallbackParams) (Grant, error) {
	if strings.TrimSpace(params.Code) == "" {
		return Grant{}, domain.ErrInvalidCallback
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client.HTTPClient())
	token, err := p.conf.Exchange(ctx, params.Code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			return Grant{}, &domain.ProviderRejectedError{
				Provider:   p.id,
				Operation:  "token_exchange",
				StatusCode: status,
				Body:       truncate(string(retrieveErr.Body), 512),
			}
		}
		return Grant{}, fmt.Errorf("%s token exchange: %w", p.id, err)
	}

	grant := Grant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		expiresAt := token.Expiry.UTC()
		grant.ExpiresAt = &expiresAt
	}
	if p.userIDField != "" {
		userID, _ := token.Extra(p.userIDField).(string)
		if err := requireValue(p.id, "token_exchange", p.userIDField, userID); err != nil {
			return Grant{}, err
		}
		grant.ProviderUserID = userID
	}
	return grant, nil
}

func override(value, replacement string) string {
	if replacement != "" {
		return replacement
	}
	return value
}
