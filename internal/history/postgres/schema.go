// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Turns live in a single parley_turns table keyed by (session_id, seq).
// [Migrate] creates it with idempotent DDL, so it is safe to run on every
// start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.SaveTurn(ctx, sessionID, 1, turn)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS parley_turns (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    seq          INTEGER      NOT NULL,
    user_text    TEXT         NOT NULL DEFAULT '',
    model_text   TEXT         NOT NULL DEFAULT '',
    completed_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_parley_turns_completed_at
    ON parley_turns (completed_at);
`

// Migrate creates the history schema if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("postgres history: migrate: %w", err)
	}
	return nil
}
