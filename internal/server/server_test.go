package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfoundry/internal/secrets"
	"github.com/blockadesystems/certfoundry/internal/server"
)

// countingStore wraps the memory store to record lookups.
type countingStore struct {
	*secrets.MemoryStore
	gets int
}

func (s *countingStore) Get(ctx context.Context, name string) (string, error) {
	s.gets++
	return s.MemoryStore.Get(ctx, name)
}

// newTestServer starts the responder with an effectively unlimited rate
// budget; rate behavior is exercised separately with a tight budget.
func newTestServer(t *testing.T) (*httptest.Server, *countingStore) {
	t.Helper()
	store := &countingStore{MemoryStore: secrets.NewMemoryStore()}
	ts := httptest.NewServer(server.New(server.Config{RateLimit: 1000, RateBurst: 1000}, store))
	t.Cleanup(ts.Close)
	return ts, store
}

func TestChallengeServed(t *testing.T) {
	ts, store := newTestServer(t)
	require.NoError(t, store.Put(context.Background(),
		"acme-http-01-challenge-abc123", "abc123.thumbprint", time.Now().Add(time.Hour)))

	resp, err := http.Get(ts.URL + "/.well-known/acme-challenge/abc123")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	body := make([]byte, 64)
	n, _ := resp.Body.Read(body)
	assert.Equal(t, "abc123.thumbprint", string(body[:n]))
}

func TestChallengeTokenWithUnderscoreMapsToStoreName(t *testing.T) {
	ts, store := newTestServer(t)
	require.NoError(t, store.Put(context.Background(),
		"acme-http-01-challenge-a--b", "a_b.thumbprint", time.Now().Add(time.Hour)))

	resp, err := http.Get(ts.URL + "/.well-known/acme-challenge/a_b")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChallengeMalformedToken(t *testing.T) {
	ts, store := newTestServer(t)

	// Dots are outside the token alphabet; the store is never consulted.
	resp, err := http.Get(ts.URL + "/.well-known/acme-challenge/..%2Fetc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, store.gets)
}

func TestChallengeUnknownToken(t *testing.T) {
	ts, store := newTestServer(t)

	resp, err := http.Get(ts.URL + "/.well-known/acme-challenge/wellformedbutunknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, store.gets)
}

func TestChallengeRateLimited(t *testing.T) {
	store := &countingStore{MemoryStore: secrets.NewMemoryStore()}
	require.NoError(t, store.Put(context.Background(),
		"acme-http-01-challenge-abc123", "abc123.thumbprint", time.Now().Add(time.Hour)))

	// Budget of exactly two requests and no refill at test timescale.
	cfg := server.Config{RateLimit: 0.001, RateBurst: 2}
	ts := httptest.NewServer(server.New(cfg, store))
	defer ts.Close()

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/.well-known/acme-challenge/abc123")
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
	assert.Equal(t, 2, store.gets, "an over-budget request must not reach the store")
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
