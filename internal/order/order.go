// Package order drives one certificate issuance end to end: decide whether
// a renewal is due, register the account, open the order, satisfy each
// HTTP-01 authorization, poll until the order is ready, finalize with a
// fresh CSR, and hand the packaged result to the certificate store.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/acme"
	"github.com/blockadesystems/certfoundry/internal/certstore"
	"github.com/blockadesystems/certfoundry/internal/encoding"
	"github.com/blockadesystems/certfoundry/internal/secrets"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "order"))
}

var (
	// ErrNoHTTP01Challenge reports an authorization that offers no http-01
	// challenge; this client cannot satisfy it any other way.
	ErrNoHTTP01Challenge = errors.New("authorization offers no http-01 challenge")

	// ErrOrderNotReady reports that the order never reached the ready state
	// within the bounded poll.
	ErrOrderNotReady = errors.New("order not ready after polling")

	// ErrFinalizeFailed reports a finalize response whose status is not
	// valid.
	ErrFinalizeFailed = errors.New("order finalization failed")
)

// Client is the slice of the ACME protocol client the orchestrator drives.
// An interface so tests can instrument call ordering.
type Client interface {
	NewAccount(ctx context.Context, req acme.NewAccountRequest) (*acme.Account, error)
	NewOrder(ctx context.Context, identifiers []acme.Identifier, notBefore, notAfter string) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	GetOrder(ctx context.Context, url string) (*acme.Order, error)
	AcceptChallenge(ctx context.Context, url string) error
	Finalize(ctx context.Context, url string, csrDER []byte) (*acme.Order, error)
	DownloadCertificate(ctx context.Context, url string) ([]byte, error)
	KeyAuthorization(ctx context.Context, token string) (string, error)
}

// Config holds one issuance run's parameters.
type Config struct {
	// Domains to certify. The first becomes the CSR subject common name.
	Domains []string
	// CertificateName is the certificate store entry to check and import.
	CertificateName string
	// Contacts are the ACME account contact URLs (mailto:...).
	Contacts []string
	// TermsOfServiceAgreed must be true; the CA rejects accounts otherwise.
	TermsOfServiceAgreed bool
	// Force skips the renewal decision and always issues.
	Force bool
	// PollAttempts bounds the order status poll. Defaults to 5.
	PollAttempts int
	// PollInterval is the fixed delay between poll attempts. Defaults to 1s.
	PollInterval time.Duration
	// RenewBefore is how close to expiry the stored certificate must be
	// before a new one is ordered. Defaults to 14 days.
	RenewBefore time.Duration
}

// Orchestrator runs the issuance state machine. A single run is strictly
// sequential: the shared replay nonce makes concurrent signed exchanges
// unsafe, so authorizations are processed one at a time in a plain loop.
type Orchestrator struct {
	client  Client
	secrets secrets.Store
	certs   certstore.Store
	cfg     Config
}

// New validates the configuration and builds an Orchestrator.
func New(client Client, secretStore secrets.Store, certStore certstore.Store, cfg Config) (*Orchestrator, error) {
	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("at least one domain must be specified")
	}
	if cfg.CertificateName == "" {
		return nil, fmt.Errorf("certificate name must be specified")
	}
	if len(cfg.Contacts) == 0 {
		return nil, fmt.Errorf("at least one account contact must be specified")
	}
	if !cfg.TermsOfServiceAgreed {
		return nil, fmt.Errorf("the CA's terms of service must be agreed to")
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = 14 * 24 * time.Hour
	}
	return &Orchestrator{client: client, secrets: secretStore, certs: certStore, cfg: cfg}, nil
}

// Run executes one issuance. Any step failure aborts the run and is
// returned unchanged; the next invocation starts over from account
// creation, relying on the CA's account and order idempotency.
func (o *Orchestrator) Run(ctx context.Context) error {
	issue, err := o.needsIssuance(ctx)
	if err != nil {
		return o.fail("decide", err)
	}
	if !issue {
		logger.Info("certificate is not due for renewal, skipping issuance",
			zap.String("certificate", o.cfg.CertificateName))
		return nil
	}

	if _, err := o.client.NewAccount(ctx, acme.NewAccountRequest{
		Contact:              o.cfg.Contacts,
		TermsOfServiceAgreed: o.cfg.TermsOfServiceAgreed,
	}); err != nil {
		return o.fail("account", err)
	}

	identifiers := make([]acme.Identifier, len(o.cfg.Domains))
	for i, domain := range o.cfg.Domains {
		identifiers[i] = acme.Identifier{Type: "dns", Value: domain}
	}
	ord, err := o.client.NewOrder(ctx, identifiers, "", "")
	if err != nil {
		return o.fail("order", err)
	}

	if ord.Status != acme.StatusReady {
		if err := o.prepareAuthorizations(ctx, ord); err != nil {
			return o.fail("authorize", err)
		}
		ord, err = o.pollUntilReady(ctx, ord)
		if err != nil {
			return o.fail("poll", err)
		}
	}

	domainKey, csrDER, err := newCertificateRequest(o.cfg.Domains)
	if err != nil {
		return o.fail("csr", err)
	}

	finalized, err := o.client.Finalize(ctx, ord.Finalize, csrDER)
	if err != nil {
		return o.fail("finalize", err)
	}
	if finalized.Status != acme.StatusValid {
		return o.fail("finalize", fmt.Errorf("%w: status %q", ErrFinalizeFailed, finalized.Status))
	}

	chainPEM, err := o.client.DownloadCertificate(ctx, finalized.Certificate)
	if err != nil {
		return o.fail("download", err)
	}

	bundle, leaf, err := packageBundle(domainKey, chainPEM)
	if err != nil {
		return o.fail("package", err)
	}
	logger.Info("certificate downloaded",
		zap.String("serial", leaf.SerialNumber.Text(16)),
		zap.Time("not_after", leaf.NotAfter))

	if err := o.certs.Import(ctx, o.cfg.CertificateName, bundle, leaf.NotAfter); err != nil {
		return o.fail("import", err)
	}

	logger.Info("issuance complete",
		zap.String("certificate", o.cfg.CertificateName),
		zap.Strings("domains", o.cfg.Domains))
	return nil
}

// needsIssuance checks the stored certificate's expiry against the renewal
// threshold. A missing certificate always triggers issuance.
func (o *Orchestrator) needsIssuance(ctx context.Context) (bool, error) {
	if o.cfg.Force {
		return true, nil
	}
	md, err := o.certs.Metadata(ctx, o.cfg.CertificateName)
	if errors.Is(err, certstore.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if time.Until(md.NotAfter) > o.cfg.RenewBefore {
		return false, nil
	}
	return true, nil
}

// prepareAuthorizations satisfies every authorization on the order,
// strictly one at a time. The loop must stay sequential: each signed
// exchange consumes the shared replay nonce, and concurrent exchanges
// would replay it.
func (o *Orchestrator) prepareAuthorizations(ctx context.Context, ord *acme.Order) error {
	expiresAt := o.orderExpiry(ord)

	for _, authzURL := range ord.Authorizations {
		authz, err := o.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return fmt.Errorf("fetching authorization %s: %w", authzURL, err)
		}

		var challenge *acme.Challenge
		for i := range authz.Challenges {
			if authz.Challenges[i].Type == acme.ChallengeTypeHTTP01 {
				challenge = &authz.Challenges[i]
				break
			}
		}
		if challenge == nil {
			return fmt.Errorf("%w: %s:%s", ErrNoHTTP01Challenge,
				authz.Identifier.Type, authz.Identifier.Value)
		}

		keyAuth, err := o.client.KeyAuthorization(ctx, challenge.Token)
		if err != nil {
			return err
		}

		name := encoding.ChallengeSecretName(challenge.Token)
		if err := o.secrets.Put(ctx, name, keyAuth, expiresAt); err != nil {
			return fmt.Errorf("storing challenge response %q: %w", name, err)
		}
		logger.Info("challenge response stored",
			zap.String("identifier", authz.Identifier.Value),
			zap.String("secret", name))

		if err := o.client.AcceptChallenge(ctx, challenge.URL); err != nil {
			return fmt.Errorf("accepting challenge %s: %w", challenge.URL, err)
		}
	}
	return nil
}

// pollUntilReady re-reads the order at a fixed interval until it is ready,
// bounded by attempt count rather than wall clock.
func (o *Orchestrator) pollUntilReady(ctx context.Context, ord *acme.Order) (*acme.Order, error) {
	for attempt := 1; attempt <= o.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}

		refreshed, err := o.client.GetOrder(ctx, ord.Location)
		if err != nil {
			return nil, fmt.Errorf("polling order %s: %w", ord.Location, err)
		}
		logger.Debug("order status",
			zap.String("order_url", ord.Location),
			zap.String("status", refreshed.Status),
			zap.Int("attempt", attempt))
		if refreshed.Status == acme.StatusReady {
			return refreshed, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOrderNotReady, ord.Location)
}

// orderExpiry parses the order's expiry for use as the secret TTL. The CA
// stops validating once the order expires, so the response is useless past
// that point anyway.
func (o *Orchestrator) orderExpiry(ord *acme.Order) time.Time {
	if ord.Expires != "" {
		if t, err := time.Parse(time.RFC3339, ord.Expires); err == nil {
			return t
		}
		logger.Warn("order carries unparseable expiry, defaulting secret TTL",
			zap.String("expires", ord.Expires))
	}
	return time.Now().Add(24 * time.Hour)
}

// fail logs the failing step and returns the error unchanged.
func (o *Orchestrator) fail(step string, err error) error {
	logger.Error("issuance step failed", zap.String("step", step), zap.Error(err))
	return err
}
