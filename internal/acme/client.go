package acme

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/encoding"
	"github.com/blockadesystems/certfoundry/internal/jws"
)

const (
	replayNonceHeader    = "Replay-Nonce"
	joseContentType      = "application/jose+json"
	pemChainContentType  = "application/pem-certificate-chain"
	defaultClientTimeout = 30 * time.Second
)

// AccountSigner is the remote account key as seen by the client: it signs
// JWS digests and knows its own JWK thumbprint. Private key material stays
// behind this interface.
type AccountSigner interface {
	crypto.Signer
	Thumbprint(ctx context.Context) ([]byte, error)
}

// Client talks to one ACME CA on behalf of one account key.
//
// The directory is fetched lazily and memoized: the first successful fetch
// is shared by every subsequent caller for the client's lifetime, and
// concurrent callers racing before the first resolution share a single
// in-flight fetch. The replay nonce is a single mutable value: each signed
// exchange consumes it and stores the Replay-Nonce header of the response
// in its place. The exchange mutex makes the acquire-send-store section a
// critical section, so two signed exchanges can never interleave and burn
// the same nonce.
type Client struct {
	directoryURL string
	httpClient   *http.Client
	signer       AccountSigner

	dirMu     sync.Mutex
	directory *Directory

	// exchangeMu serializes signed exchanges end to end. nonce is only
	// touched while it is held.
	exchangeMu sync.Mutex
	nonce      string

	keyMu sync.Mutex
	keyID string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for all CA exchanges.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client for the CA whose directory lives at
// directoryURL. No network traffic happens until the first operation.
func NewClient(directoryURL string, signer AccountSigner, opts ...ClientOption) *Client {
	c := &Client{
		directoryURL: directoryURL,
		signer:       signer,
		httpClient:   &http.Client{Timeout: defaultClientTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// KeyID returns the account URL used as the JWS key identifier, or the
// empty string before an account exists.
func (c *Client) KeyID() string {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	return c.keyID
}

func (c *Client) setKeyID(kid string) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	c.keyID = kid
}

// FetchDirectory returns the CA's directory, fetching it on first use. Only
// a successful fetch is memoized; a failure is surfaced and retried by the
// next caller.
func (c *Client) FetchDirectory(ctx context.Context) (*Directory, error) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()
	if c.directory != nil {
		return c.directory, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("directory fetch failed", zap.String("url", c.directoryURL), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("directory fetch returned non-success status",
			zap.String("url", c.directoryURL), zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: server returned %d", ErrDirectoryUnavailable, resp.StatusCode)
	}

	var dir Directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("%w: decoding directory: %v", ErrDirectoryUnavailable, err)
	}

	c.directory = &dir
	logger.Debug("directory cached", zap.String("url", c.directoryURL))
	return c.directory, nil
}

// fetchNonce asks the newNonce endpoint for a fresh replay nonce via HEAD.
func (c *Client) fetchNonce(ctx context.Context) (string, error) {
	dir, err := c.FetchDirectory(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dir.NewNonce, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNonceUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("nonce fetch failed", zap.String("url", dir.NewNonce), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrNonceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("%w: server returned %d", ErrNonceUnavailable, resp.StatusCode)
	}
	nonce := resp.Header.Get(replayNonceHeader)
	if nonce == "" {
		return "", fmt.Errorf("%w: response carried no %s header", ErrNonceUnavailable, replayNonceHeader)
	}
	return nonce, nil
}

// Nonce satisfies jose.NonceSource. It hands out the stored nonce, or
// fetches a fresh one when none is pending. Only called while exchangeMu is
// held, from inside post.
func (c *Client) Nonce() (string, error) {
	if c.nonce != "" {
		n := c.nonce
		c.nonce = ""
		return n, nil
	}
	return c.fetchNonce(context.Background())
}

// response is the outcome of one signed exchange.
type response struct {
	body        []byte
	contentType string
	location    string
}

// post performs one signed exchange: build the JWS with the current nonce,
// send it, and store the response's Replay-Nonce for the next exchange. The
// whole section is a critical section; see the Client doc comment.
func (c *Client) post(ctx context.Context, url string, payload []byte) (*response, error) {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	envelope, err := jws.SignFlattened(c.signer, payload, jws.Options{
		KeyID:       c.KeyID(),
		URL:         url,
		NonceSource: c,
	})
	if err != nil {
		logger.Error("failed to sign request", zap.String("url", url), zap.Error(err))
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", joseContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("request failed", zap.String("url", url), zap.Error(err))
		return nil, fmt.Errorf("posting to %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	// The response nonce becomes the next exchange's nonce; no extra
	// newNonce round trip is needed while exchanges stay serialized.
	if nonce := resp.Header.Get(replayNonceHeader); nonce != "" {
		c.nonce = nonce
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		logger.Error("server rejected request",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, &ServerError{StatusCode: resp.StatusCode, Body: body}
	}

	return &response{
		body:        body,
		contentType: resp.Header.Get("Content-Type"),
		location:    resp.Header.Get("Location"),
	}, nil
}

// get is a POST-as-GET: a signed exchange with an empty payload.
func (c *Client) get(ctx context.Context, url string) (*response, error) {
	return c.post(ctx, url, nil)
}

// NewAccount creates the ACME account, or signs into the existing one
// registered for this key. On success the account URL from the Location
// header becomes the key identifier for every later signed request.
func (c *Client) NewAccount(ctx context.Context, req NewAccountRequest) (*Account, error) {
	dir, err := c.FetchDirectory(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding newAccount payload: %w", err)
	}

	resp, err := c.post(ctx, dir.NewAccount, payload)
	if err != nil {
		return nil, err
	}

	var acct Account
	if err := json.Unmarshal(resp.body, &acct); err != nil {
		return nil, fmt.Errorf("decoding account: %w", err)
	}
	acct.Location = resp.location
	c.setKeyID(resp.location)

	logger.Info("account ready", zap.String("account_url", acct.Location))
	return &acct, nil
}

// NewOrder opens a certificate order for the given identifiers. Only the
// type and value of each identifier are sent; anything else is stripped.
// notBefore/notAfter are optional RFC 3339 timestamps.
func (c *Client) NewOrder(ctx context.Context, identifiers []Identifier, notBefore, notAfter string) (*Order, error) {
	dir, err := c.FetchDirectory(ctx)
	if err != nil {
		return nil, err
	}

	idents := make([]Identifier, len(identifiers))
	for i, ident := range identifiers {
		idents[i] = Identifier{Type: ident.Type, Value: ident.Value}
	}

	payload, err := json.Marshal(struct {
		Identifiers []Identifier `json:"identifiers"`
		NotBefore   string       `json:"notBefore,omitempty"`
		NotAfter    string       `json:"notAfter,omitempty"`
	}{idents, notBefore, notAfter})
	if err != nil {
		return nil, fmt.Errorf("encoding newOrder payload: %w", err)
	}

	resp, err := c.post(ctx, dir.NewOrder, payload)
	if err != nil {
		return nil, err
	}

	var order Order
	if err := json.Unmarshal(resp.body, &order); err != nil {
		return nil, fmt.Errorf("decoding order: %w", err)
	}
	order.Location = resp.location

	logger.Info("order created",
		zap.String("order_url", order.Location), zap.String("status", order.Status))
	return &order, nil
}

// GetAuthorization fetches the authorization resource at url.
func (c *Client) GetAuthorization(ctx context.Context, url string) (*Authorization, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var authz Authorization
	if err := json.Unmarshal(resp.body, &authz); err != nil {
		return nil, fmt.Errorf("decoding authorization: %w", err)
	}
	return &authz, nil
}

// GetOrder refreshes the order resource at url.
func (c *Client) GetOrder(ctx context.Context, url string) (*Order, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(resp.body, &order); err != nil {
		return nil, fmt.Errorf("decoding order: %w", err)
	}
	order.Location = url
	return &order, nil
}

// AcceptChallenge signals readiness for the challenge at url by POSTing the
// empty JSON object to it.
func (c *Client) AcceptChallenge(ctx context.Context, url string) error {
	_, err := c.post(ctx, url, []byte("{}"))
	return err
}

// Finalize submits the DER-encoded CSR to the order's finalize URL and
// returns the refreshed order.
func (c *Client) Finalize(ctx context.Context, url string, csrDER []byte) (*Order, error) {
	payload, err := json.Marshal(struct {
		CSR string `json:"csr"`
	}{encoding.Base64URL(csrDER)})
	if err != nil {
		return nil, fmt.Errorf("encoding finalize payload: %w", err)
	}

	resp, err := c.post(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(resp.body, &order); err != nil {
		return nil, fmt.Errorf("decoding finalize response: %w", err)
	}
	return &order, nil
}

// DownloadCertificate fetches the issued PEM certificate chain.
func (c *Client) DownloadCertificate(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(resp.contentType, pemChainContentType) {
		logger.Warn("certificate download returned unexpected content type",
			zap.String("url", url), zap.String("content_type", resp.contentType))
	}
	return resp.body, nil
}

// KeyAuthorization combines a challenge token with the account key's
// thumbprint into the HTTP-01 challenge response body:
// token "." base64url(SHA-256(canonical JWK)).
func (c *Client) KeyAuthorization(ctx context.Context, token string) (string, error) {
	thumb, err := c.signer.Thumbprint(ctx)
	if err != nil {
		return "", err
	}
	return token + "." + encoding.Base64URL(thumb), nil
}
