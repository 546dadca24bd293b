// Package jws assembles the flattened JSON Web Signature envelopes that
// authenticate every ACME request. Signing is delegated to a crypto.Signer,
// which in production is the KMS-backed account key; the envelope never
// touches private key material.
package jws

import (
	"crypto"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/cryptosigner"
)

// Options control the protected header of a signed envelope.
type Options struct {
	// KeyID is the ACME account URL. When set, the protected header carries
	// "kid"; when empty (before an account exists) the canonical public JWK
	// is embedded instead. Exactly one of the two appears in the header.
	KeyID string
	// URL is the request URL, bound into the protected header per RFC 8555.
	URL string
	// NonceSource supplies the anti-replay nonce for the protected header.
	NonceSource jose.NonceSource
}

// SignFlattened signs payload with the account key and returns the flattened
// JSON serialization {protected, payload, signature}. The algorithm is fixed
// to ES256. An empty payload produces the empty-payload envelope used for
// POST-as-GET requests.
func SignFlattened(key crypto.Signer, payload []byte, opts Options) ([]byte, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("jws: request URL must not be empty")
	}
	if opts.NonceSource == nil {
		return nil, fmt.Errorf("jws: nonce source must not be nil")
	}

	opaque := cryptosigner.Opaque(key)

	signingKey := jose.SigningKey{Algorithm: jose.ES256}
	signerOpts := &jose.SignerOptions{
		NonceSource: opts.NonceSource,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": opts.URL,
		},
	}

	if opts.KeyID != "" {
		signingKey.Key = &jose.JSONWebKey{Key: opaque, KeyID: opts.KeyID}
	} else {
		signingKey.Key = opaque
		signerOpts.EmbedJWK = true
	}

	signer, err := jose.NewSigner(signingKey, signerOpts)
	if err != nil {
		return nil, fmt.Errorf("jws: building signer: %w", err)
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("jws: signing payload: %w", err)
	}

	return []byte(signed.FullSerialize()), nil
}
