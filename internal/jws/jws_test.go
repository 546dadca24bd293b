package jws_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfoundry/internal/jws"
)

type staticNonce string

func (n staticNonce) Nonce() (string, error) { return string(n), nil }

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func protectedHeader(t *testing.T, envelope []byte) map[string]any {
	t.Helper()
	var flat struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}
	require.NoError(t, json.Unmarshal(envelope, &flat))
	raw, err := base64.RawURLEncoding.DecodeString(flat.Protected)
	require.NoError(t, err)
	var hdr map[string]any
	require.NoError(t, json.Unmarshal(raw, &hdr))
	return hdr
}

func TestSignFlattenedEmbedsJWKBeforeAccountExists(t *testing.T) {
	key := testKey(t)

	envelope, err := jws.SignFlattened(key, []byte(`{"termsOfServiceAgreed":true}`), jws.Options{
		URL:         "https://ca.example/new-account",
		NonceSource: staticNonce("nonce-1"),
	})
	require.NoError(t, err)

	hdr := protectedHeader(t, envelope)
	assert.Equal(t, "ES256", hdr["alg"])
	assert.Equal(t, "nonce-1", hdr["nonce"])
	assert.Equal(t, "https://ca.example/new-account", hdr["url"])
	assert.Contains(t, hdr, "jwk")
	assert.NotContains(t, hdr, "kid", "jwk and kid are mutually exclusive")
}

func TestSignFlattenedUsesKeyIDAfterAccountExists(t *testing.T) {
	key := testKey(t)

	envelope, err := jws.SignFlattened(key, []byte(`{}`), jws.Options{
		KeyID:       "https://ca.example/acct/1",
		URL:         "https://ca.example/new-order",
		NonceSource: staticNonce("nonce-2"),
	})
	require.NoError(t, err)

	hdr := protectedHeader(t, envelope)
	assert.Equal(t, "https://ca.example/acct/1", hdr["kid"])
	assert.NotContains(t, hdr, "jwk")
}

func TestSignFlattenedEmptyPayload(t *testing.T) {
	key := testKey(t)

	envelope, err := jws.SignFlattened(key, nil, jws.Options{
		KeyID:       "https://ca.example/acct/1",
		URL:         "https://ca.example/order/1",
		NonceSource: staticNonce("nonce-3"),
	})
	require.NoError(t, err)

	var flat struct {
		Payload string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(envelope, &flat))
	assert.Empty(t, flat.Payload, "POST-as-GET payload must be the empty string")
}

func TestSignFlattenedRoundTripVerifies(t *testing.T) {
	key := testKey(t)
	payload := []byte(`{"identifiers":[{"type":"dns","value":"example.com"}]}`)

	envelope, err := jws.SignFlattened(key, payload, jws.Options{
		KeyID:       "https://ca.example/acct/1",
		URL:         "https://ca.example/new-order",
		NonceSource: staticNonce("nonce-4"),
	})
	require.NoError(t, err)

	parsed, err := jose.ParseSigned(string(envelope), []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)

	verified, err := parsed.Verify(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, payload, verified)
}

func TestSignFlattenedRequiresURLAndNonceSource(t *testing.T) {
	key := testKey(t)

	_, err := jws.SignFlattened(key, nil, jws.Options{NonceSource: staticNonce("n")})
	require.Error(t, err)

	_, err = jws.SignFlattened(key, nil, jws.Options{URL: "https://ca.example"})
	require.Error(t, err)
}
