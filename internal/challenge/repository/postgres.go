// Package repository persists consumed discoverable-login challenges.
package repository

import (
	"context"
	"database/sql"
	"time"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a marker repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert records hash; the primary key makes a second insert a no-op that reports false.
func (r *PostgresRepository) Insert(ctx context.Context, hash string, expiresAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO consumed_challenges (challenge_hash, expires_at, consumed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (challenge_hash) DO NOTHING`, hash, expiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PurgeExpired deletes markers with expires_at before the given time.
func (r *PostgresRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM consumed_challenges WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
