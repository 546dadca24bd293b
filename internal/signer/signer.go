// Package signer wraps an asymmetric key held in AWS KMS behind the standard
// crypto.Signer interface. The private key never leaves KMS; the package only
// fetches the public half (to compute the account JWK thumbprint) and asks
// KMS to sign SHA-256 digests with it.
package signer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "signer"))
}

// ErrSignerUnavailable reports that the remote key store could not be
// reached or the configured key is missing. Callers treat it as fatal for
// the current operation; it is never retried here.
var ErrSignerUnavailable = errors.New("remote signer unavailable")

// KMSClient is the subset of the AWS KMS API used by RemoteSigner. Narrow on
// purpose so tests can substitute a local key.
type KMSClient interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// RemoteSigner implements crypto.Signer for a P-256 key stored in KMS.
// The public key is fetched lazily exactly once; concurrent callers share
// the first successful resolution, and a failed fetch is retried on the
// next call rather than being cached forever.
type RemoteSigner struct {
	client KMSClient
	keyID  string

	mu  sync.Mutex
	pub *ecdsa.PublicKey
}

// New returns a RemoteSigner for the named KMS key.
func New(client KMSClient, keyID string) *RemoteSigner {
	return &RemoteSigner{client: client, keyID: keyID}
}

// NewFromConfig builds a RemoteSigner using the ambient AWS credential chain.
func NewFromConfig(ctx context.Context, keyID string, optFns ...func(*awsconfig.LoadOptions) error) (*RemoteSigner, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return New(kms.NewFromConfig(cfg), keyID), nil
}

// publicKey fetches and memoizes the key's public half.
func (s *RemoteSigner) publicKey(ctx context.Context) (*ecdsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub != nil {
		return s.pub, nil
	}

	out, err := s.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(s.keyID)})
	if err != nil {
		logger.Error("failed to fetch public key from KMS",
			zap.String("key_id", s.keyID), zap.Error(err))
		return nil, fmt.Errorf("%w: get public key %q: %v", ErrSignerUnavailable, s.keyID, err)
	}

	parsed, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key %q: %v", ErrSignerUnavailable, s.keyID, err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: key %q is not a P-256 ECDSA key", ErrSignerUnavailable, s.keyID)
	}

	s.pub = pub
	return pub, nil
}

// Public returns the key's public half, or nil if it cannot be fetched.
// crypto.Signer leaves no room for an error here; PublicKey is the
// error-aware variant.
func (s *RemoteSigner) Public() crypto.PublicKey {
	pub, err := s.publicKey(context.Background())
	if err != nil {
		return nil
	}
	return pub
}

// PublicKey returns the key's public half, fetching it on first use.
func (s *RemoteSigner) PublicKey(ctx context.Context) (*ecdsa.PublicKey, error) {
	return s.publicKey(ctx)
}

// Sign asks KMS to sign the given SHA-256 digest. The returned signature is
// ASN.1 DER encoded, as produced by KMS for ECDSA keys.
func (s *RemoteSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts != nil && opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("unsupported digest algorithm %v, only SHA-256 is supported", opts.HashFunc())
	}

	out, err := s.client.Sign(context.Background(), &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		logger.Error("KMS sign operation failed",
			zap.String("key_id", s.keyID), zap.Error(err))
		return nil, fmt.Errorf("%w: sign with key %q: %v", ErrSignerUnavailable, s.keyID, err)
	}
	return out.Signature, nil
}

// Thumbprint computes the RFC 7638 thumbprint of the account key: the raw
// SHA-256 digest over the canonical JWK JSON ({crv, kty, x, y} for an EC
// key, lexicographic field order, no whitespace).
func (s *RemoteSigner) Thumbprint(ctx context.Context) ([]byte, error) {
	pub, err := s.publicKey(ctx)
	if err != nil {
		return nil, err
	}
	jwk := jose.JSONWebKey{Key: pub}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("computing JWK thumbprint: %w", err)
	}
	return thumb, nil
}
