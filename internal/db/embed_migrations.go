package db

import "embed"

// MigrationFS embeds the schema migrations (users, webauthn_credentials, consumed_challenges, audit_logs).
// Applied by internal/db/migrate from cmd/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
