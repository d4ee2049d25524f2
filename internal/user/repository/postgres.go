package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"livre-auth/backend/internal/user/domain"
)

const userColumns = `id, email, username, magic_link_token_hash, magic_link_expires_at,
	current_challenge, last_logout_at, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail returns the user with the given email, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// GetByMagicLinkHash returns the user holding the given magic-link hash, or nil if none does.
func (r *PostgresRepository) GetByMagicLinkHash(ctx context.Context, hash string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE magic_link_token_hash = $1`, hash)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// Create persists the user. The user must have ID set. Returns ErrEmailTaken if the email exists.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO NOTHING`,
		u.ID, u.Email, u.Username, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEmailTaken
	}
	return nil
}

// SetMagicLink stores the hash and expiry of a new magic link, replacing any previous one.
func (r *PostgresRepository) SetMagicLink(ctx context.Context, userID, hash string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET magic_link_token_hash = $2, magic_link_expires_at = $3, updated_at = now()
		WHERE id = $1`, userID, hash, expiresAt)
	return err
}

// ConsumeMagicLink nulls the magic-link fields if they still hold hash.
func (r *PostgresRepository) ConsumeMagicLink(ctx context.Context, userID, hash string) (bool, error) {
	return r.execCAS(ctx, `
		UPDATE users SET magic_link_token_hash = NULL, magic_link_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND magic_link_token_hash = $2`, userID, hash)
}

// SetChallenge overwrites current_challenge.
func (r *PostgresRepository) SetChallenge(ctx context.Context, userID, state string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET current_challenge = $2, updated_at = now() WHERE id = $1`, userID, state)
	return err
}

// ClearChallenge nulls current_challenge if it still equals expected.
func (r *PostgresRepository) ClearChallenge(ctx context.Context, userID, expected string) (bool, error) {
	return r.execCAS(ctx, `
		UPDATE users SET current_challenge = NULL, updated_at = now()
		WHERE id = $1 AND current_challenge = $2`, userID, expected)
}

// SetLastLogout records a logout-everywhere event.
func (r *PostgresRepository) SetLastLogout(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_logout_at = $2, updated_at = now() WHERE id = $1`, userID, at)
	return err
}

// PurgeExpiredMagicLinks clears magic links whose expiry is before the given time.
func (r *PostgresRepository) PurgeExpiredMagicLinks(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET magic_link_token_hash = NULL, magic_link_expires_at = NULL, updated_at = now()
		WHERE magic_link_expires_at IS NOT NULL AND magic_link_expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) execCAS(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		u         domain.User
		hash      sql.NullString
		expiresAt sql.NullTime
		challenge sql.NullString
		logoutAt  sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &hash, &expiresAt, &challenge, &logoutAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if hash.Valid {
		u.MagicLinkTokenHash = hash.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		u.MagicLinkExpiresAt = &t
	}
	if challenge.Valid {
		u.CurrentChallenge = challenge.String
	}
	if logoutAt.Valid {
		t := logoutAt.Time.UTC()
		u.LastLogoutAt = &t
	}
	return &u, nil
}
