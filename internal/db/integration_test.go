package db_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditdomain "livre-auth/backend/internal/audit/domain"
	auditrepo "livre-auth/backend/internal/audit/repository"
	challengerepo "livre-auth/backend/internal/challenge/repository"
	"livre-auth/backend/internal/db"
	"livre-auth/backend/internal/db/migrate"
	passkeydomain "livre-auth/backend/internal/passkey/domain"
	passkeyrepo "livre-auth/backend/internal/passkey/repository"
	userdomain "livre-auth/backend/internal/user/domain"
	userrepo "livre-auth/backend/internal/user/repository"
)

// TestPostgresRepositories runs against a real database when DATABASE_URL is set.
func TestPostgresRepositories(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	require.NoError(t, migrate.Run(dsn, "up"))
	conn, err := db.Open(dsn)
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	users := userrepo.NewPostgresRepository(conn)
	now := time.Now().UTC().Truncate(time.Microsecond)
	email := "it-" + uuid.NewString() + "@example.com"
	u := &userdomain.User{ID: uuid.NewString(), Email: email, Username: "it", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, users.Create(ctx, u))
	require.ErrorIs(t, users.Create(ctx, &userdomain.User{ID: uuid.NewString(), Email: email, Username: "dup", CreatedAt: now, UpdatedAt: now}), userrepo.ErrEmailTaken)

	hash := "hash-" + uuid.NewString()
	require.NoError(t, users.SetMagicLink(ctx, u.ID, hash, now.Add(15*time.Minute)))
	got, err := users.GetByMagicLinkHash(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.ID, got.ID)
	ok, err := users.ConsumeMagicLink(ctx, u.ID, hash)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = users.ConsumeMagicLink(ctx, u.ID, hash)
	require.NoError(t, err)
	assert.False(t, ok, "second consume must lose")

	require.NoError(t, users.SetChallenge(ctx, u.ID, "state-1"))
	ok, err = users.ClearChallenge(ctx, u.ID, "state-0")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = users.ClearChallenge(ctx, u.ID, "state-1")
	require.NoError(t, err)
	assert.True(t, ok)

	creds := passkeyrepo.NewPostgresRepository(conn)
	c := &passkeydomain.Credential{
		ID: uuid.NewString(), CredentialID: []byte(uuid.NewString()), UserID: u.ID,
		PublicKey: []byte{1, 2, 3}, SignCount: 5, Name: "Laptop", CreatedAt: now,
	}
	require.NoError(t, creds.Create(ctx, c))
	require.ErrorIs(t, creds.Create(ctx, c), passkeyrepo.ErrDuplicateCredential)
	ok, err = creds.UpdateSignCount(ctx, c.CredentialID, 5, now)
	require.NoError(t, err)
	assert.False(t, ok, "equal counter must not update")
	ok, err = creds.UpdateSignCount(ctx, c.CredentialID, 6, now)
	require.NoError(t, err)
	assert.True(t, ok)
	stored, err := creds.GetByCredentialID(ctx, c.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), stored.SignCount)

	markers := challengerepo.NewPostgresRepository(conn)
	marker := "marker-" + uuid.NewString()
	ok, err = markers.Insert(ctx, marker, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = markers.Insert(ctx, marker, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	audits := auditrepo.NewPostgresRepository(conn)
	require.NoError(t, audits.Create(ctx, &auditdomain.AuditLog{
		ID: uuid.NewString(), UserID: u.ID, Action: auditdomain.ActionLoginSuccess, Resource: "magic_link", IP: "127.0.0.1", CreatedAt: now,
	}))
	logs, err := audits.ListByUser(ctx, u.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	ok, err = creds.Delete(ctx, c.ID, u.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}
