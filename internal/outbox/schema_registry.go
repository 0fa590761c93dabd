package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	registryContentType = "application/vnd.schemaregistry.v1+json"
	maxRegistryBody     = 4 << 10
)

// RegistryError is a non-2xx answer from Schema Registry.
type RegistryError struct {
	Subject    string
	Operation  string
	StatusCode int
	Body       string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("schema registry %s %s: status %d: %s", e.Operation, e.Subject, e.StatusCode, e.Body)
}

// RegistryOption configures the SchemaRegistryClient.
type RegistryOption func(*SchemaRegistryClient)

// WithRegistryHTTPClient replaces the HTTP client.
func WithRegistryHTTPClient(c *http.Client) RegistryOption {
	return func(r *SchemaRegistryClient) { r.httpClient = c }
}

// WithRegistryBackOff sets the retry policy for transport errors and 5xx
// answers. The factory is called once per request.
func WithRegistryBackOff(b func() backoff.BackOff) RegistryOption {
	return func(r *SchemaRegistryClient) { r.backOff = b }
}

// SchemaRegistryClient resolves JSON schema ids for outbox subjects.
type SchemaRegistryClient struct {
	baseURL    string
	httpClient *http.Client
	backOff    func() backoff.BackOff
}

// NewSchemaRegistryClient constructs a client for the registry at baseURL.
func NewSchemaRegistryClient(baseURL string, opts ...RegistryOption) *SchemaRegistryClient {
	c := &SchemaRegistryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureSchema returns the id of the latest version of subject, registering
// schema when the subject does not exist yet. Any other lookup failure is
// returned as is, so an unreachable or unauthorized registry never triggers a
// registration.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	id, err := c.call(ctx, "lookup", subject, http.MethodGet, "/versions/latest", nil)
	if err == nil {
		return id, nil
	}
	var regErr *RegistryError
	if !errors.As(err, &regErr) || regErr.StatusCode != http.StatusNotFound {
		return 0, err
	}

	body, err := json.Marshal(map[string]any{
		"schemaType": "JSON",
		"schema":     schema,
	})
	if err != nil {
		return 0, err
	}
	return c.call(ctx, "register", subject, http.MethodPost, "/versions", body)
}

func (c *SchemaRegistryClient) call(ctx context.Context, operation, subject, method, suffix string, body []byte) (int, error) {
	target := c.baseURL + "/subjects/" + url.PathEscape(subject) + suffix

	var id int
	err := backoff.Retry(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", registryContentType)
		if body != nil {
			req.Header.Set("Content-Type", registryContentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxRegistryBody))
			regErr := &RegistryError{Subject: subject, Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if resp.StatusCode >= 500 {
				return regErr
			}
			return backoff.Permanent(regErr)
		}

		var payload struct {
			ID int `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return backoff.Permanent(fmt.Errorf("decode schema registry %s %s: %w", operation, subject, err))
		}
		id = payload.ID
		return nil
	}, backoff.WithContext(c.backOff(), ctx))
	return id, err
}
