package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RunMigrations creates the schema if it does not exist yet.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
		`
CREATE TABLE IF NOT EXISTS presets (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL,
    template TEXT NOT NULL,
    provider TEXT NOT NULL,
    credit_cost INTEGER NOT NULL CHECK (credit_cost >= 0),
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
		`
CREATE TABLE IF NOT EXISTS generations (
    id UUID PRIMARY KEY,
    idempotency_key TEXT,
    user_id UUID NOT NULL REFERENCES users(id),
    preset_id UUID NOT NULL REFERENCES presets(id),
    status TEXT NOT NULL DEFAULT 'QUEUED',
    input_values JSONB NOT NULL DEFAULT '{}'::jsonb,
    output_size TEXT,
    output_url TEXT,
    error_message TEXT,
    credits_used INTEGER NOT NULL DEFAULT 0,
    processing_time_ms BIGINT NOT NULL DEFAULT 0,
    refunded_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ
);`,
		`
CREATE UNIQUE INDEX IF NOT EXISTS generations_user_idempotency_key
    ON generations (user_id, idempotency_key)
    WHERE idempotency_key IS NOT NULL;`,
		`
CREATE INDEX IF NOT EXISTS generations_status_updated_at
    ON generations (status, updated_at);`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("repo: run migration: %w", err)
		}
	}
	return nil
}
