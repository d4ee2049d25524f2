package repository

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"livre-auth/backend/internal/passkey/domain"
)

// MemoryRepository is an in-memory Repository used for local development without a database and in tests.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[string]*domain.Credential
}

// NewMemoryRepository returns an empty in-memory credential repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*domain.Credential)}
}

func (r *MemoryRepository) Create(ctx context.Context, c *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if bytes.Equal(existing.CredentialID, c.CredentialID) {
			return ErrDuplicateCredential
		}
	}
	r.byID[c.ID] = copyCredential(c)
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyCredential(r.byID[id]), nil
}

func (r *MemoryRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyCredential(r.findByCredentialID(credentialID)), nil
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Credential
	for _, c := range r.byID {
		if c.UserID == userID {
			out = append(out, copyCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) UpdateSignCount(ctx context.Context, credentialID []byte, count uint32, usedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.findByCredentialID(credentialID)
	if c == nil || count <= c.SignCount {
		return false, nil
	}
	c.SignCount = count
	t := usedAt
	c.LastUsedAt = &t
	return true, nil
}

func (r *MemoryRepository) Rename(ctx context.Context, id, userID, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	c.Name = name
	return true, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	delete(r.byID, id)
	return true, nil
}

func (r *MemoryRepository) findByCredentialID(credentialID []byte) *domain.Credential {
	for _, c := range r.byID {
		if bytes.Equal(c.CredentialID, credentialID) {
			return c
		}
	}
	return nil
}

func copyCredential(c *domain.Credential) *domain.Credential {
	if c == nil {
		return nil
	}
	cp := *c
	cp.CredentialID = append([]byte(nil), c.CredentialID...)
	cp.PublicKey = append([]byte(nil), c.PublicKey...)
	cp.AAGUID = append([]byte(nil), c.AAGUID...)
	cp.Transports = append([]string(nil), c.Transports...)
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}
