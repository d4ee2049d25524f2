package repository

import (
	"context"
	"sync"
	"time"

	"livre-auth/backend/internal/user/domain"
)

// MemoryRepository is an in-memory Repository used for local development without a database and in tests.
// Returned users are copies; callers cannot mutate stored state.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[string]*domain.User
}

// NewMemoryRepository returns an empty in-memory user repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*domain.User)}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyUser(r.byID[id]), nil
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetByMagicLinkHash(ctx context.Context, hash string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hash == "" {
		return nil, nil
	}
	for _, u := range r.byID {
		if u.MagicLinkTokenHash == hash {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) Create(ctx context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	r.byID[u.ID] = copyUser(u)
	return nil
}

func (r *MemoryRepository) SetMagicLink(ctx context.Context, userID, hash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[userID]; ok {
		u.MagicLinkTokenHash = hash
		exp := expiresAt
		u.MagicLinkExpiresAt = &exp
	}
	return nil
}

func (r *MemoryRepository) ConsumeMagicLink(ctx context.Context, userID, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[userID]
	if !ok || u.MagicLinkTokenHash == "" || u.MagicLinkTokenHash != hash {
		return false, nil
	}
	u.MagicLinkTokenHash = ""
	u.MagicLinkExpiresAt = nil
	return true, nil
}

func (r *MemoryRepository) SetChallenge(ctx context.Context, userID, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[userID]; ok {
		u.CurrentChallenge = state
	}
	return nil
}

func (r *MemoryRepository) ClearChallenge(ctx context.Context, userID, expected string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[userID]
	if !ok || u.CurrentChallenge == "" || u.CurrentChallenge != expected {
		return false, nil
	}
	u.CurrentChallenge = ""
	return true, nil
}

func (r *MemoryRepository) SetLastLogout(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[userID]; ok {
		t := at
		u.LastLogoutAt = &t
	}
	return nil
}

func (r *MemoryRepository) PurgeExpiredMagicLinks(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, u := range r.byID {
		if u.MagicLinkExpiresAt != nil && u.MagicLinkExpiresAt.Before(before) {
			u.MagicLinkTokenHash = ""
			u.MagicLinkExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func copyUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	c := *u
	if u.MagicLinkExpiresAt != nil {
		t := *u.MagicLinkExpiresAt
		c.MagicLinkExpiresAt = &t
	}
	if u.LastLogoutAt != nil {
		t := *u.LastLogoutAt
		c.LastLogoutAt = &t
	}
	return &c
}
