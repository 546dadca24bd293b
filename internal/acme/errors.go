package acme

import (
	"errors"
	"fmt"
)

var (
	// ErrDirectoryUnavailable reports that the directory resource could not
	// be fetched from the configured URL.
	ErrDirectoryUnavailable = errors.New("acme directory unavailable")

	// ErrNonceUnavailable reports that the newNonce endpoint did not yield
	// a replay nonce.
	ErrNonceUnavailable = errors.New("acme nonce unavailable")
)

// ServerError is any non-2xx response to an ACME request. The raw body is
// kept for diagnostics; ACME problem documents are JSON and the CA's own
// wording is usually the most useful part of the failure.
type ServerError struct {
	StatusCode int
	Body       []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("acme server returned %d: %s", e.StatusCode, e.Body)
}
