// Package certstore persists issued certificate bundles and answers the
// metadata lookups the renewal decision needs.
package certstore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "certstore"))
}

// ErrNotFound reports that no certificate is stored under the requested
// name. First-time issuance relies on it to distinguish "never issued" from
// a broken store.
var ErrNotFound = errors.New("certificate not found")

// Metadata is the slice of certificate state the renewal decision needs.
type Metadata struct {
	Name     string
	NotAfter time.Time
}

// Store is the certificate store contract consumed by the order pipeline.
type Store interface {
	// Metadata returns the stored certificate's metadata, or ErrNotFound.
	Metadata(ctx context.Context, name string) (*Metadata, error)
	// Import stores a PKCS#12 bundle under name, recording its expiry.
	Import(ctx context.Context, name string, bundle []byte, notAfter time.Time) error
}
