// Package secrets stores HTTP-01 challenge responses under derived names
// with an expiry. The order pipeline writes them; the challenge response
// server reads them back when the CA validates domain control.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "secrets"))
}

// ErrNotFound reports that no live secret exists under the requested name.
// It must stay distinguishable from transport or permission failures; the
// challenge server maps it to 404 and everything else to a logged 404.
var ErrNotFound = errors.New("challenge secret not found")

// Store is the challenge secret store contract shared by the order pipeline
// (writes) and the challenge response server (reads).
type Store interface {
	// Put stores value under name until expiresAt. Overwrites any previous
	// value for the same name.
	Put(ctx context.Context, name, value string, expiresAt time.Time) error
	// Get returns the value stored under name, or ErrNotFound if it is
	// absent or expired.
	Get(ctx context.Context, name string) (string, error)
}

// Config selects and configures a secret store backend.
type Config struct {
	Backend     string `env:"CERTFOUNDRY_SECRETS_BACKEND" envDefault:"memory"`
	PostgresDSN string `env:"CERTFOUNDRY_SECRETS_POSTGRES_DSN"`
	RedisURL    string `env:"CERTFOUNDRY_SECRETS_REDIS_URL"`
}

// NewStore is the backend factory.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(cfg.PostgresDSN)
	case "redis":
		return NewRedisStore(cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
}
