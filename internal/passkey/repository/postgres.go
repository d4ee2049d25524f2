package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"livre-auth/backend/internal/passkey/domain"
)

const credentialColumns = `id, credential_id, user_id, public_key, attestation_type, transports, aaguid,
	sign_count, user_present, user_verified, backup_eligible, backup_state, name, created_at, last_used_at`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a credential repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists a new credential. Returns ErrDuplicateCredential if the credential id exists.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Credential) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webauthn_credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.CredentialID, c.UserID, c.PublicKey, c.AttestationType, strings.Join(c.Transports, ","), c.AAGUID,
		int64(c.SignCount), c.UserPresent, c.UserVerified, c.BackupEligible, c.BackupState, c.Name, c.CreatedAt, c.LastUsedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateCredential
		}
		return err
	}
	return nil
}

// GetByID returns the credential for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Credential, error) {
	return r.getOne(ctx, `SELECT `+credentialColumns+` FROM webauthn_credentials WHERE id = $1`, id)
}

// GetByCredentialID returns the credential with the authenticator credential id, or nil if not found.
func (r *PostgresRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Credential, error) {
	return r.getOne(ctx, `SELECT `+credentialColumns+` FROM webauthn_credentials WHERE credential_id = $1`, credentialID)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (*domain.Credential, error) {
	c, err := scanCredential(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// ListByUser returns the user's credentials, oldest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM webauthn_credentials
		WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateSignCount advances sign_count to count only when count is strictly greater.
func (r *PostgresRepository) UpdateSignCount(ctx context.Context, credentialID []byte, count uint32, usedAt time.Time) (bool, error) {
	return r.execCAS(ctx, `
		UPDATE webauthn_credentials SET sign_count = $2, last_used_at = $3
		WHERE credential_id = $1 AND sign_count < $2`, credentialID, int64(count), usedAt)
}

// Rename sets the label of the user's credential.
func (r *PostgresRepository) Rename(ctx context.Context, id, userID, name string) (bool, error) {
	return r.execCAS(ctx, `UPDATE webauthn_credentials SET name = $3 WHERE id = $1 AND user_id = $2`, id, userID, name)
}

// Delete removes the user's credential.
func (r *PostgresRepository) Delete(ctx context.Context, id, userID string) (bool, error) {
	return r.execCAS(ctx, `DELETE FROM webauthn_credentials WHERE id = $1 AND user_id = $2`, id, userID)
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

func scanCredential(row rowScanner) (*domain.Credential, error) {
	var (
		c          domain.Credential
		transports sql.NullString
		signCount  int64
		lastUsed   sql.NullTime
	)
	err := row.Scan(&c.ID, &c.CredentialID, &c.UserID, &c.PublicKey, &c.AttestationType, &transports, &c.AAGUID,
		&signCount, &c.UserPresent, &c.UserVerified, &c.BackupEligible, &c.BackupState, &c.Name, &c.CreatedAt, &lastUsed)
	if err != nil {
		return nil, err
	}
	if transports.Valid && transports.String != "" {
		c.Transports = strings.Split(transports.String, ",")
	}
	c.SignCount = uint32(signCount)
	if lastUsed.Valid {
		t := lastUsed.Time.UTC()
		c.LastUsedAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}
