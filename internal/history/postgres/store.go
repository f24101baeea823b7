package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/transcript"
)

var _ history.Store = (*Store)(nil)

// Store is a [history.Store] backed by a [pgxpool.Pool]. All operations are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the PostgreSQL database at dsn, verifies the
// connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres history: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres history: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres history: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// SaveTurn implements [history.Store].
func (s *Store) SaveTurn(ctx context.Context, sessionID string, seq int, turn transcript.Turn) error {
	const q = `
		INSERT INTO parley_turns (session_id, seq, user_text, model_text, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, seq) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, sessionID, seq, turn.User, turn.Model, turn.Completed); err != nil {
		return fmt.Errorf("postgres history: save turn: %w", err)
	}
	return nil
}

// Turns implements [history.Store].
func (s *Store) Turns(ctx context.Context, sessionID string) ([]transcript.Turn, error) {
	const q = `
		SELECT user_text, model_text, completed_at
		FROM   parley_turns
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres history: turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Turn, error) {
		var t transcript.Turn
		err := row.Scan(&t.User, &t.Model, &t.Completed)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres history: scan turns: %w", err)
	}
	return turns, nil
}

// Ping checks database connectivity. It backs the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [history.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
