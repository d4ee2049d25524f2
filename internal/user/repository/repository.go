package repository

import (
	"context"
	"errors"
	"time"

	"livre-auth/backend/internal/user/domain"
)

// ErrEmailTaken is returned by Create when another user already owns the email.
var ErrEmailTaken = errors.New("email already registered")

// Repository defines persistence for users. Getters return nil, nil when the user does not exist.
//
// The conditional writes (ConsumeMagicLink, ClearChallenge) are single-row compare-and-set
// operations; they report whether this caller won the race.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByMagicLinkHash(ctx context.Context, hash string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	// SetMagicLink replaces any outstanding magic link of the user.
	SetMagicLink(ctx context.Context, userID, hash string, expiresAt time.Time) error
	// ConsumeMagicLink clears the magic link only if it still equals hash. Returns false if it did not.
	ConsumeMagicLink(ctx context.Context, userID, hash string) (bool, error)
	// SetChallenge overwrites the user's ceremony state (last write wins).
	SetChallenge(ctx context.Context, userID, state string) error
	// ClearChallenge clears the ceremony state only if it still equals expected. Returns false if it did not.
	ClearChallenge(ctx context.Context, userID, expected string) (bool, error)
	SetLastLogout(ctx context.Context, userID string, at time.Time) error
	// PurgeExpiredMagicLinks clears magic links that expired before the given time. Returns rows affected.
	PurgeExpiredMagicLinks(ctx context.Context, before time.Time) (int64, error)
}
