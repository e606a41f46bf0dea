package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/dropmesh/dropmesh/interfaces"
)

// MemoryStore is an in-process record store for tests and single-run
// tooling. Not durable.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

// Put stores a record.
func (s *MemoryStore) Put(ctx context.Context, key string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = append([]byte(nil), record...)
	return nil
}

// Get retrieves a record.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return append([]byte(nil), record...), nil
}

// Scan returns records under a key prefix.
func (s *MemoryStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte)
	for key, record := range s.records {
		if strings.HasPrefix(key, prefix) {
			out[key] = append([]byte(nil), record...)
		}
	}
	return out, nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Available always reports true.
func (s *MemoryStore) Available(ctx context.Context) bool { return true }

// Name returns the backend identifier.
func (s *MemoryStore) Name() string { return "memory" }
