package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/oauth1"
)

const (
	garminRequestTokenURL = "https://connectapi.garmin.com/oauth-service/oauth/request_token"
	garminAuthorizeURL    = "https://connect.garmin.com/oauthConfirm"
	garminAccessTokenURL  = "https://connectapi.garmin.com/oauth-service/oauth/access_token"
)

// Garmin implements the three-legged OAuth 1.0a handshake of Garmin Connect.
type Garmin struct {
	signer          *oauth1.Signer
	callbackURL     string
	client          *Client
	requestTokenURL string
	authorizeURL    string
	accessTokenURL  string
}

// NewGarmin constructs the Garmin variant around an explicit signer.
func NewGarmin(signer *oauth1.Signer, callbackURL string, client *Client, eps Endpoints) *Garmin {
	return &Garmin{
		signer:          signer,
		callbackURL:     callbackURL,
		client:          client,
		requestTokenURL: override(garminRequestTokenURL, eps.GarminRequestToken),
		authorizeURL:    override(garminAuthorizeURL, eps.GarminAuthorize),
		accessTokenURL:  override(garminAccessTokenURL, eps.GarminAccessToken),
	}
}

func (g *Garmin) ID() domain.Provider { return domain.ProviderGarmin }

// BuildAuthURL obtains a request token bound to the callback URL and returns
// the consent page URL together with the token the caller must store.
func (g *Garmin) BuildAuthURL(ctx context.Context, _ string) (Authorization, error) {
	values, err := g.post(ctx, "request_token", g.requestTokenURL, oauth1.Request{
		OAuth: map[string]string{"oauth_callback": g.callbackURL},
	})
	if err != nil {
		return Authorization{}, err
	}

	token := values.Get("oauth_token")
	secret := values.Get("oauth_token_secret")
	if err := requireValue(domain.ProviderGarmin, "request_token", "oauth_token", token); err != nil {
		return Authorization{}, err
	}
	if err := requireValue(domain.ProviderGarmin, "request_token", "oauth_token_secret", secret); err != nil {
		return Authorization{}, err
	}

	authURL, err := url.Parse(g.authorizeURL)
	if err != nil {
		return Authorization{}, err
	}
	query := url.Values{}
	query.Set("oauth_token", token)
	authURL.RawQuery = query.Encode()

	return Authorization{
		URL:          authURL.String(),
		RequestToken: &RequestToken{Token: token, Secret: secret},
	}, nil
}

// Exchange redeems the verified request token for the permanent access token.
// Garmin access tokens do not expire, so ExpiresAt stays nil.
func (g *Garmin) Exchange(ctx context.Context, params CallbackParams) (Grant, error) {
	if params.OAuthToken == "" || params.OAuthVerifier == "" {
		return Grant{}, domain.ErrInvalidCallback
	}

	values, err := g.post(ctx, "access_token", g.accessTokenURL, oauth1.Request{
		Token:       params.OAuthToken,
		TokenSecret: params.TokenSecret,
		OAuth:       map[string]string{"oauth_verifier": params.OAuthVerifier},
	})
	if err != nil {
		return Grant{}, err
	}

	token := firstValue(values, "oauth_token", "access_token")
	secret := firstValue(values, "oauth_token_secret", "access_token_secret")
	if err := requireValue(domain.ProviderGarmin, "access_token", "oauth_token", token); err != nil {
		return Grant{}, err
	}
	if err := requireValue(domain.ProviderGarmin, "access_token", "oauth_token_secret", secret); err != nil {
		return Grant{}, err
	}
	return Grant{AccessToken: token, TokenSecret: secret}, nil
}

// post sends a signed POST carrying only the Authorization header and parses
// the form-encoded answer. Handshake calls are never retried.
func (g *Garmin) post(ctx context.Context, operation, endpoint string, signReq oauth1.Request) (url.Values, error) {
	signReq.Method = http.MethodPost
	signReq.URL = endpoint
	header, err := g.signer.Sign(signReq)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", header)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("garmin %s: %w", operation, err)
	}
	if err := Check(domain.ProviderGarmin, operation, resp); err != nil {
		return nil, err
	}

	values, err := url.ParseQuery(string(resp.Body))
	if err != nil {
		return nil, &domain.ProviderRejectedError{Provider: domain.ProviderGarmin, Operation: operation, StatusCode: resp.StatusCode, Reason: "malformed response"}
	}
	return values, nil
}

func firstValue(values url.Values, keys ...string) string {
	for _, k := range keys {
		if v := values.Get(k); v != "" {
			return v
		}
	}
	return ""
}
