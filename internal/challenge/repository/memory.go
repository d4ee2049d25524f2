package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory marker store used for local development and tests.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]time.Time
}

// NewMemoryStore returns an empty marker store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]time.Time)}
}

// Insert records hash and reports whether it was new.
func (s *MemoryStore) Insert(ctx context.Context, hash string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[hash]; ok {
		return false, nil
	}
	s.m[hash] = expiresAt
	return true, nil
}

// PurgeExpired deletes markers that expired before the given time.
func (s *MemoryStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, exp := range s.m {
		if exp.Before(before) {
			delete(s.m, k)
			n++
		}
	}
	return n, nil
}
