// Package oauth1 implements the OAuth 1.0a HMAC-SHA1 signing primitives used
// for Garmin Connect.
package oauth1

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SignatureMethod is the only method Garmin accepts.
const SignatureMethod = "HMAC-SHA1"

// Version is sent as oauth_version on every request.
const Version = "1.0"

// Option configures optional behaviour for the Signer.
type Option func(*Signer)

// WithClock overrides the wall clock used for oauth_timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithRandom overrides the entropy source used for oauth_nonce.
func WithRandom(r io.Reader) Option {
	return func(s *Signer) { s.random = r }
}

// Signer signs requests on behalf of one consumer. It is safe for concurrent use.
type Signer struct {
	consumerKey    string
	consumerSecret string
	now            func() time.Time
	random         io.Reader
}

// NewSigner constructs a Signer for the given consumer credentials.
func NewSigner(consumerKey, consumerSecret string, opts ...Option) *Signer {
	s := &Signer{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		now:            time.Now,
		random:         rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConsumerKey returns the consumer key the signer was built with.
func (s *Signer) ConsumerKey() string {
	return s.consumerKey
}

// Nonce returns a random, URL-safe token unique to one request.
func (s *Signer) Nonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Timestamp returns seconds since the epoch as a decimal string.
func (s *Signer) Timestamp() string {
	return strconv.FormatInt(s.now().Unix(), 10)
}

// PercentEncode applies RFC 3986 encoding: only ALPHA, DIGIT and "-._~" pass
// through unescaped.
func PercentEncode(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte("0123456789ABCDEF"[c>>4])
		b.WriteByte("0123456789ABCDEF"[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

// SignatureBaseString builds METHOD&url&params with params sorted by key and
// then value. Output depends only on the content of params, never on order.
func SignatureBaseString(method, rawURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, PercentEncode(k)+"="+PercentEncode(params[k]))
	}

	return strings.ToUpper(method) + "&" + PercentEncode(rawURL) + "&" + PercentEncode(strings.Join(pairs, "&"))
}

// HMACSHA1Signature signs base with key PercentEncode(consumerSecret)&PercentEncode(tokenSecret).
// tokenSecret is empty while requesting a request token.
func HMACSHA1Signature(base, consumerSecret, tokenSecret string) string {
	key := PercentEncode(consumerSecret) + "&" + PercentEncode(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// AuthorizationHeader renders the oauth_* subset of params as an OAuth header value.
func AuthorizationHeader(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if strings.HasPrefix(k, "oauth_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, PercentEncode(k)+`="`+PercentEncode(params[k])+`"`)
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// Request describes one request to sign.
type Request struct {
	Method      string
	URL         string
	Token       string
	TokenSecret string
	// OAuth holds protocol parameters specific to a handshake step, such as
	// oauth_callback or oauth_verifier.
	OAuth map[string]string
}

// Sign returns the Authorization header value for req. Query parameters on
// req.URL take part in the signature but never appear in the header.
func (s *Signer) Sign(req Request) (string, error) {
	nonce, err := s.Nonce()
	if err != nil {
		return "", err
	}

	params := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": SignatureMethod,
		"oauth_timestamp":        s.Timestamp(),
		"oauth_version":          Version,
	}
	if req.Token != "" {
		params["oauth_token"] = req.Token
	}
	for k, v := range req.OAuth {
		params[k] = v
	}

	baseURL, err := splitQuery(req.URL, params)
	if err != nil {
		return "", err
	}

	base := SignatureBaseString(req.Method, baseURL, params)
	params["oauth_signature"] = HMACSHA1Signature(base, s.consumerSecret, req.TokenSecret)
	return AuthorizationHeader(params), nil
}

// splitQuery copies query parameters of rawURL into params and returns the URL
// without query or fragment.
func splitQuery(rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	for k, values := range u.Query() {
		if len(values) > 0 {
			params[k] = values[0]
		}
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
