// Package acme implements the RFC 8555 protocol client: directory discovery,
// anti-replay nonce handling, JWS-authenticated POST and POST-as-GET
// exchanges, and the account, order, authorization, challenge and
// certificate operations built on top of them.
package acme

import (
	"encoding/json"

	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "acme"))
}

// Directory maps ACME operation names to the CA's endpoint URLs. It is
// fetched once from the configured directory URL and cached for the
// lifetime of the client.
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`
}

// Order statuses defined by RFC 8555 section 7.1.6. Valid and invalid are
// terminal.
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// ChallengeTypeHTTP01 is the only challenge type this client solves.
const ChallengeTypeHTTP01 = "http-01"

// Identifier names a resource an order covers, e.g. {dns, example.com}.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Account is the server's view of the ACME account resource.
type Account struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact,omitempty"`
	Orders  string   `json:"orders,omitempty"`

	// Location is the account URL from the Location response header. It
	// becomes the JWS key identifier for all subsequent signed requests.
	Location string `json:"-"`
}

// Order tracks one certificate request through its lifecycle.
type Order struct {
	Status         string       `json:"status"`
	Expires        string       `json:"expires,omitempty"`
	Identifiers    []Identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate,omitempty"`

	// Location is the order URL from the Location response header, used for
	// status polling.
	Location string `json:"-"`
}

// Authorization represents the CA's demand for proof of control over one
// identifier. It is fetched per authorization URL and never mutated locally.
type Authorization struct {
	Identifier Identifier  `json:"identifier"`
	Status     string      `json:"status"`
	Expires    string      `json:"expires,omitempty"`
	Challenges []Challenge `json:"challenges"`
	Wildcard   bool        `json:"wildcard,omitempty"`
}

// Challenge is one way of satisfying an authorization. Token is the value
// the CA will request from the well-known challenge path.
type Challenge struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Status string `json:"status"`
	Token  string `json:"token"`
}

// NewAccountRequest is the newAccount payload. OnlyReturnExisting asks the
// CA to look up the account for the signing key instead of creating one.
type NewAccountRequest struct {
	Contact                []string        `json:"contact,omitempty"`
	TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting     bool            `json:"onlyReturnExisting,omitempty"`
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
}
