package providers

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"example.com/wearables/internal/domain"
)

const stateAudience = "wearable-oauth-state"

// State is the correlation payload carried through an OAuth 2.0 redirect.
type State struct {
	UserID   string
	Provider domain.Provider
}

type stateClaims struct {
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// StateCodec signs and verifies OAuth 2.0 state values. The state is an HS256
// token, so it needs no server-side session and cannot be forged or reused
// after its TTL.
type StateCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateCodec constructs a codec. now may be nil.
func NewStateCodec(secret string, ttl time.Duration, now func() time.Time) *StateCodec {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &StateCodec{secret: []byte(secret), ttl: ttl, now: now}
}

// Encode issues a signed state for the user and provider.
func (c *StateCodec) Encode(userID string, provider domain.Provider) (string, error) {
	now := c.now()
	claims := stateClaims{
		UserID:   userID,
		Provider: string(provider),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Decode verifies state and returns its payload.
func (c *StateCodec) Decode(state string) (State, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", domain.ErrInvalidState, err)
	}
	if claims.UserID == "" {
		return State{}, fmt.Errorf("%w: missing user", domain.ErrInvalidState)
	}
	provider, err := domain.ParseProvider(claims.Provider)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", domain.ErrInvalidState, err)
	}
	return State{UserID: claims.UserID, Provider: provider}, nil
}
