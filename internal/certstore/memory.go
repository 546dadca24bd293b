package certstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory certificate store for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	bundles map[string][]byte
	expiry  map[string]time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bundles: make(map[string][]byte),
		expiry:  make(map[string]time.Time),
	}
}

func (s *MemoryStore) Metadata(_ context.Context, name string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	notAfter, ok := s.expiry[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &Metadata{Name: name, NotAfter: notAfter}, nil
}

func (s *MemoryStore) Import(_ context.Context, name string, bundle []byte, notAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[name] = append([]byte(nil), bundle...)
	s.expiry[name] = notAfter
	return nil
}

// Bundle returns the stored bundle for assertions in tests.
func (s *MemoryStore) Bundle(name string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bundles[name]
}
