package repository

import (
	"context"
	"errors"
	"time"

	"livre-auth/backend/internal/passkey/domain"
)

// ErrDuplicateCredential is returned by Create when the credential id is already registered.
var ErrDuplicateCredential = errors.New("credential already registered")

// Repository defines persistence for WebAuthn credentials. Getters return nil, nil when absent.
type Repository interface {
	Create(ctx context.Context, c *domain.Credential) error
	GetByID(ctx context.Context, id string) (*domain.Credential, error)
	GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Credential, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Credential, error)
	// UpdateSignCount stores count only if it is strictly greater than the stored counter.
	// Returns false when the stored counter was already >= count.
	UpdateSignCount(ctx context.Context, credentialID []byte, count uint32, usedAt time.Time) (bool, error)
	// Rename and Delete are scoped to the owning user; they return false when no such credential exists for userID.
	Rename(ctx context.Context, id, userID, name string) (bool, error)
	Delete(ctx context.Context, id, userID string) (bool, error)
}
