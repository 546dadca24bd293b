// Package encoding provides the URL-safe base64 helpers and the challenge
// secret naming scheme shared by the order pipeline and the challenge
// response server.
package encoding

import (
	"encoding/base64"
	"strings"
)

// challengeSecretPrefix namespaces challenge responses inside the secret
// store so they cannot collide with unrelated secrets.
const challengeSecretPrefix = "acme-http-01-challenge-"

// Base64URL encodes raw bytes using unpadded URL-safe base64, the encoding
// used throughout the ACME protocol (RFC 8555 section 8.1).
func Base64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// FromBase64URL decodes an unpadded URL-safe base64 string.
func FromBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// ChallengeSecretName derives the secret store name for a challenge token.
// Underscores are valid in base64url tokens but rejected by some secret
// backends' naming rules, so they are rewritten to "--". The transform is
// deterministic and must stay identical on the write (order) and read
// (challenge server) paths.
func ChallengeSecretName(token string) string {
	return challengeSecretPrefix + strings.ReplaceAll(token, "_", "--")
}
