package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnknownProvider is returned for provider names outside Providers.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNativeAppRequired is returned for providers with no server-side API.
	ErrNativeAppRequired = errors.New("apple health requires the native app")
	// ErrInvalidCallback is returned when a callback carries neither an OAuth1
	// verifier, an OAuth2 code nor a provider error.
	ErrInvalidCallback = errors.New("invalid callback parameters")
	// ErrInvalidState is returned when the OAuth2 state cannot be verified.
	ErrInvalidState = errors.New("invalid or expired authorization state")
	// ErrConnectionNotFound is returned when a connection cannot be located.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrConnectionInactive is returned when syncing a revoked connection.
	ErrConnectionInactive = errors.New("connection is not active")
)

// ConfigurationError reports missing provider credentials. It is not retryable.
type ConfigurationError struct {
	Provider Provider
	Setting  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s is not configured: missing %s", e.Provider, e.Setting)
}

// SessionExpiredError reports a temp token that is missing, expired or already
// consumed. The user has to restart authorization.
type SessionExpiredError struct {
	Provider Provider
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("%s authorization session expired, please reconnect", e.Provider)
}

// ProviderRejectedError reports a non-2xx answer from a provider endpoint.
// The response body is kept for logs and never rendered by Error.
type ProviderRejectedError struct {
	Provider   Provider
	Operation  string
	StatusCode int
	// Reason describes a malformed 2xx answer, such as a missing token.
	Reason string
	Body   string
}

func (e *ProviderRejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s rejected %s: %s", e.Provider, e.Operation, e.Reason)
	}
	return fmt.Sprintf("%s rejected %s: %d %s", e.Provider, e.Operation, e.StatusCode, http.StatusText(e.StatusCode))
}

// ProfileNotFoundError reports a user without a client profile.
type ProfileNotFoundError struct {
	UserID string
}

func (e *ProfileNotFoundError) Error() string {
	return "client profile not found"
}

// PartialSyncError reports one failed endpoint during a sync run.
type PartialSyncError struct {
	Provider Provider
	Endpoint string
	Err      error
}

func (e *PartialSyncError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Endpoint, e.Err)
}

func (e *PartialSyncError) Unwrap() error { return e.Err }

// PublicMessage renders err as text that is safe to show to the end user.
// Unclassified errors collapse to a generic message so internal details and
// credentials never leak into redirects or response bodies.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		cfgErr      *ConfigurationError
		sessionErr  *SessionExpiredError
		rejectedErr *ProviderRejectedError
		profileErr  *ProfileNotFoundError
	)
	switch {
	case errors.As(err, &cfgErr):
		return fmt.Sprintf("%s integration is not configured", cfgErr.Provider)
	case errors.As(err, &sessionErr):
		return sessionErr.Error()
	case errors.As(err, &rejectedErr):
		return fmt.Sprintf("%s rejected the request (%s)", rejectedErr.Provider, rejectedErr.Operation)
	case errors.As(err, &profileErr):
		return profileErr.Error()
	case errors.Is(err, ErrNativeAppRequired):
		return "Apple Health requires the native app"
	case errors.Is(err, ErrUnknownProvider),
		errors.Is(err, ErrInvalidCallback),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrConnectionNotFound),
		errors.Is(err, ErrConnectionInactive):
		return unwrapSentinel(err)
	}
	return "unexpected error, please try again"
}

func unwrapSentinel(err error) string {
	for _, sentinel := range []error{ErrUnknownProvider, ErrInvalidCallback, ErrInvalidState, ErrConnectionNotFound, ErrConnectionInactive} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}
