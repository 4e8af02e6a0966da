// Package postgres provides a PostgreSQL-backed implementation of the gateway
// dialogue memory ([memory.Store]).
//
// All operations share a single [pgxpool.Pool]. The schema is created on
// startup via [Migrate], which is idempotent and safe to run on every
// application start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.SaveDialogue(ctx, deviceID, sessionID, msgs)
//	recap, _ := store.Summary(ctx, deviceID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDialogueEntries = `
CREATE TABLE IF NOT EXISTS dialogue_entries (
    id          BIGSERIAL    PRIMARY KEY,
    device_id   TEXT         NOT NULL,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dialogue_entries_device_id
    ON dialogue_entries (device_id);

CREATE INDEX IF NOT EXISTS idx_dialogue_entries_device_created
    ON dialogue_entries (device_id, created_at);

CREATE INDEX IF NOT EXISTS idx_dialogue_entries_session_id
    ON dialogue_entries (session_id);
`

// Migrate creates or ensures the dialogue_entries table and its indexes exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS).
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlDialogueEntries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
