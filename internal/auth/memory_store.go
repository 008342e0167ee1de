package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryTokenStore keeps token records in memory. It is safe for concurrent
// use and intended for development or single-instance deployments.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]TokenRecord
}

// NewMemoryTokenStore constructs an in-memory store implementation.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]TokenRecord)}
}

// Save records the token under its id, replacing any previous record.
func (s *MemoryTokenStore) Save(record TokenRecord) error {
	s.mu.Lock()
	s.tokens[record.TokenID] = record
	s.mu.Unlock()
	return nil
}

// Get retrieves the token record for the provided id.
func (s *MemoryTokenStore) Get(tokenID string) (TokenRecord, bool, error) {
	s.mu.RLock()
	record, ok := s.tokens[tokenID]
	s.mu.RUnlock()
	return record, ok, nil
}

// Delete removes the token record from the store.
func (s *MemoryTokenStore) Delete(tokenID string) error {
	s.mu.Lock()
	delete(s.tokens, tokenID)
	s.mu.Unlock()
	return nil
}

// PurgeExpired removes any expired token records from the store.
func (s *MemoryTokenStore) PurgeExpired(now time.Time) error {
	s.mu.Lock()
	for id, record := range s.tokens {
		if now.After(record.ExpiresAt) {
			delete(s.tokens, id)
		}
	}
	s.mu.Unlock()
	return nil
}

// Ping always reports success for the in-memory token store.
func (s *MemoryTokenStore) Ping(context.Context) error {
	return nil
}
