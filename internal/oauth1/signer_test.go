package oauth1

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// twitterParams is the published OAuth 1.0a worked example.
func twitterParams() map[string]string {
	return map[string]string{
		"status":                 "Hello Ladies + Gentlemen, a signed OAuth request!",
		"include_entities":       "true",
		"oauth_consumer_key":     "xvz1evFS4wEEPTGEFPHBog",
		"oauth_nonce":            "kYjzVBB8Y0ZFabxSWbWovY3uYSQ2pTgmZeNu2VS4cg",
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        "1318622958",
		"oauth_token":            "370773112-GmHxMAgYyLbNEtIKZeRNFsMKPR9EyMZeS9weJAEb",
		"oauth_version":          "1.0",
	}
}

func TestHMACSHA1SignatureKnownVector(t *testing.T) {
	base := SignatureBaseString("post", "https://api.twitter.com/1.1/statuses/update.json", twitterParams())
	require.True(t, strings.HasPrefix(base, "POST&https%3A%2F%2Fapi.twitter.com%2F1.1%2Fstatuses%2Fupdate.json&include_entities%3Dtrue%26oauth_consumer_key"))
	require.Contains(t, base, "status%3DHello%2520Ladies%2520%252B%2520Gentlemen%252C%2520a%2520signed%2520OAuth%2520request%2521")

	sig := HMACSHA1Signature(base, "kAcSOqF21Fu85e7zjz7ZN2U4ZRhfV3WpwPAoE3Z7kBw", "LswwdoUaIvS8ltyTt5jkRh4J50vUPVVHtR2YPi5kE")
	require.Equal(t, "hCtSmYh+iHYCEqBWrE7C7hYmtUk=", sig)
}

func TestSignatureBaseStringIgnoresInsertionOrder(t *testing.T) {
	keys := []string{"oauth_nonce", "b", "a", "oauth_callback", "z", "oauth_timestamp"}
	forward := make(map[string]string)
	for i, k := range keys {
		forward[k] = fmt.Sprintf("v%d (%s)", i, k)
	}
	reverse := make(map[string]string)
	for i := len(keys) - 1; i >= 0; i-- {
		reverse[keys[i]] = forward[keys[i]]
	}

	want := SignatureBaseString("GET", "https://example.com/x", forward)
	for i := 0; i < 50; i++ {
		require.Equal(t, want, SignatureBaseString("GET", "https://example.com/x", reverse))
	}
	require.Contains(t, want, "GET&https%3A%2F%2Fexample.com%2Fx&a%3D")
}

// encodeURIComponent mirrors the default browser URI component encoding,
// which leaves ! * ' ( ) untouched.
func encodeURIComponent(s string) string {
	escaped := strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
	for _, c := range []string{"!", "*", "'", "(", ")"} {
		escaped = strings.ReplaceAll(escaped, url.QueryEscape(c), c)
	}
	return escaped
}

func TestPercentEncodeDiffersOnlyOnSubDelims(t *testing.T) {
	special := map[byte]string{'!': "%21", '*': "%2A", '\'': "%27", '(': "%28", ')': "%29"}
	for c := 0; c < 128; c++ {
		s := string([]byte{byte(c)})
		if want, ok := special[byte(c)]; ok {
			require.Equal(t, want, PercentEncode(s))
			require.NotEqual(t, encodeURIComponent(s), PercentEncode(s))
			continue
		}
		require.Equal(t, encodeURIComponent(s), PercentEncode(s), "byte %q", c)
	}

	require.Equal(t, "caf%C3%A9%20%26%20bar", PercentEncode("café & bar"))
	require.Equal(t, "AZaz09-._~", PercentEncode("AZaz09-._~"))
}

func TestHMACSHA1SignatureDeterministicAndSensitive(t *testing.T) {
	base := SignatureBaseString("POST", "https://connectapi.garmin.com/oauth-service/oauth/request_token", map[string]string{
		"oauth_consumer_key": "key",
		"oauth_nonce":        "abc",
	})
	first := HMACSHA1Signature(base, "secret", "")
	require.Equal(t, first, HMACSHA1Signature(base, "secret", ""))

	for i := range base {
		mutated := []byte(base)
		mutated[i] ^= 0x01
		require.NotEqual(t, first, HMACSHA1Signature(string(mutated), "secret", ""), "index %d", i)
	}
	require.NotEqual(t, first, HMACSHA1Signature(base, "secret", "token-secret"))
}

func TestAuthorizationHeaderKeepsOnlyOAuthParams(t *testing.T) {
	header := AuthorizationHeader(map[string]string{
		"oauth_token":     "t 1",
		"oauth_signature": "a+b/c=",
		"uploadStartTime": "1",
		"status":          "hello",
	})
	require.Equal(t, `OAuth oauth_signature="a%2Bb%2Fc%3D", oauth_token="t%201"`, header)
	require.NotContains(t, header, "status")
	require.NotContains(t, header, "uploadStartTime")
}

func TestSignerSignIsVerifiable(t *testing.T) {
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	random := bytes.NewReader(bytes.Repeat([]byte{0xab}, 16))
	signer := NewSigner("consumer", "consumer-secret", WithClock(clock), WithRandom(random))

	header, err := signer.Sign(Request{
		Method:      "GET",
		URL:         "https://apis.garmin.com/wellness-api/rest/dailies?uploadStartTimeInSeconds=10&uploadEndTimeInSeconds=20",
		Token:       "access",
		TokenSecret: "access-secret",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(header, "OAuth "))
	require.NotContains(t, header, "uploadStartTimeInSeconds")
	require.Contains(t, header, `oauth_timestamp="1700000000"`)
	require.Contains(t, header, `oauth_nonce="abababababababababababababababab"`)

	params := map[string]string{
		"oauth_consumer_key":       "consumer",
		"oauth_nonce":              "abababababababababababababababab",
		"oauth_signature_method":   SignatureMethod,
		"oauth_timestamp":          "1700000000",
		"oauth_version":            Version,
		"oauth_token":              "access",
		"uploadStartTimeInSeconds": "10",
		"uploadEndTimeInSeconds":   "20",
	}
	base := SignatureBaseString("GET", "https://apis.garmin.com/wellness-api/rest/dailies", params)
	want := HMACSHA1Signature(base, "consumer-secret", "access-secret")
	require.Contains(t, header, `oauth_signature="`+PercentEncode(want)+`"`)
}

func TestNonceIsUniquePerCall(t *testing.T) {
	signer := NewSigner("k", "s")
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		n, err := signer.Nonce()
		require.NoError(t, err)
		require.Len(t, n, 32)
		_, dup := seen[n]
		require.False(t, dup)
		seen[n] = struct{}{}
	}
}
