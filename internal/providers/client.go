package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"example.com/wearables/internal/domain"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultMaxAttempts   = 3
	maxResponseBodyBytes = 4 << 20
)

// ClientOption configures optional behaviour for the Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithMaxAttempts bounds the number of tries for transport failures.
func WithMaxAttempts(n uint64) ClientOption {
	return func(cl *Client) { cl.maxAttempts = n }
}

// WithBackOff replaces the retry schedule, mostly to make tests fast.
func WithBackOff(b func() backoff.BackOff) ClientOption {
	return func(cl *Client) { cl.newBackOff = b }
}

// Client performs outbound provider calls with a timeout. Transport failures
// are retried; HTTP status failures never are.
type Client struct {
	http        *http.Client
	maxAttempts uint64
	newBackOff  func() backoff.BackOff
}

// NewClient constructs a Client with the provided per-request timeout.
func NewClient(timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		http:        &http.Client{Timeout: timeout},
		maxAttempts: defaultMaxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient exposes the underlying client for libraries that take one.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Response is a fully read provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends the request once and reads the body.
func (c *Client) Do(req *http.Request) (*Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// DoWithRetry builds and sends a request, retrying with exponential backoff
// while the failure is at the transport level. build is called per attempt so
// signed requests get a fresh nonce.
func (c *Client) DoWithRetry(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	var out *Response
	operation := func() error {
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		out = resp
		return nil
	}

	var retries uint64
	if c.maxAttempts > 1 {
		retries = c.maxAttempts - 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return out, nil
}

// Check converts a non-2xx response into a ProviderRejectedError.
func Check(provider domain.Provider, operation string, resp *Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &domain.ProviderRejectedError{
		Provider:   provider,
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Body:       truncate(string(resp.Body), 512),
	}
}

// IsRejected reports whether err came from a provider status code.
func IsRejected(err error) bool {
	var rejected *domain.ProviderRejectedError
	return errors.As(err, &rejected)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func requireValue(provider domain.Provider, operation, name, value string) error {
	if value == "" {
		return &domain.ProviderRejectedError{Provider: provider, Operation: operation, Reason: fmt.Sprintf("response missing %s", name)}
	}
	return nil
}
