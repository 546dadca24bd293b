// Package config loads the application configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "config"))
}

// Config aggregates every component's settings. Store and certificate
// backend settings live with their packages and are parsed from the same
// environment here.
type Config struct {
	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string `env:"CERTFOUNDRY_LOG_LEVEL" envDefault:"info"`

	// DirectoryURL is the ACME server's directory endpoint. Defaults to
	// the Let's Encrypt staging environment so a misconfigured run cannot
	// burn production rate limits.
	DirectoryURL string `env:"CERTFOUNDRY_DIRECTORY_URL" envDefault:"https://acme-staging-v02.api.letsencrypt.org/directory"`

	// KMSKeyID names the asymmetric signing key holding the ACME account
	// key. Required for any command that talks to the CA.
	KMSKeyID string `env:"CERTFOUNDRY_KMS_KEY_ID"`

	Order OrderConfig
}

// OrderConfig holds the issuance run's parameters.
type OrderConfig struct {
	Domains              []string      `env:"CERTFOUNDRY_DOMAINS" envSeparator:","`
	CertificateName      string        `env:"CERTFOUNDRY_CERTIFICATE_NAME"`
	Contacts             []string      `env:"CERTFOUNDRY_CONTACTS" envSeparator:","`
	TermsOfServiceAgreed bool          `env:"CERTFOUNDRY_TOS_AGREED" envDefault:"false"`
	Force                bool          `env:"CERTFOUNDRY_FORCE" envDefault:"false"`
	PollAttempts         int           `env:"CERTFOUNDRY_POLL_ATTEMPTS" envDefault:"5"`
	PollInterval         time.Duration `env:"CERTFOUNDRY_POLL_INTERVAL" envDefault:"1s"`
	RenewBefore          time.Duration `env:"CERTFOUNDRY_RENEW_BEFORE" envDefault:"336h"`
}

// Load reads the environment into a Config. A .env file in the working
// directory is merged in first when present; a missing file is not an
// error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Debug("loaded .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}
