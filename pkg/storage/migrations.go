package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the schema if it does not exist. Statements are idempotent
// so repeated startups are safe.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrationStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i, err)
		}
	}
	return nil
}

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(255) NOT NULL UNIQUE,
		first_name VARCHAR(255) NOT NULL DEFAULT '',
		last_name VARCHAR(255) NOT NULL DEFAULT '',
		email VARCHAR(255) NOT NULL UNIQUE,
		password_hash TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
		is_service_account BOOLEAN NOT NULL DEFAULT FALSE,
		last_login_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS spaces (
		id BIGSERIAL PRIMARY KEY,
		parent_space_id BIGINT REFERENCES spaces(id),
		slug VARCHAR(255) NOT NULL UNIQUE,
		title VARCHAR(255) NOT NULL,
		is_publicly_browsable BOOLEAN NOT NULL DEFAULT FALSE,
		invitation_required BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS space_users (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		space_id BIGINT NOT NULL REFERENCES spaces(id),
		role VARCHAR(64) NOT NULL DEFAULT 'member',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, space_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		impersonate_user_id BIGINT REFERENCES users(id),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		last_used_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP WITH TIME ZONE
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,

	`CREATE TABLE IF NOT EXISTS invitations (
		id BIGSERIAL PRIMARY KEY,
		email VARCHAR(255) NOT NULL,
		invited_by BIGINT NOT NULL REFERENCES users(id),
		token TEXT NOT NULL UNIQUE,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		user_id BIGINT REFERENCES users(id),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS space_invitations (
		id BIGSERIAL PRIMARY KEY,
		invitation_id BIGINT NOT NULL REFERENCES invitations(id),
		space_id BIGINT NOT NULL REFERENCES spaces(id),
		role VARCHAR(64) NOT NULL DEFAULT 'member',
		UNIQUE (invitation_id, space_id)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		entity_type VARCHAR(64) NOT NULL,
		entity_id BIGINT NOT NULL,
		space_ids BIGINT[] NOT NULL DEFAULT '{}',
		event_type VARCHAR(64) NOT NULL,
		author_id BIGINT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_space_ids ON audit_events USING GIN (space_ids)`,
}
