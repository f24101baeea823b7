package history

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/transcript"
)

var _ Store = (*GuardedStore)(nil)

// GuardedStore puts a circuit breaker in front of another store's writes.
// While the breaker is open, SaveTurn fails fast with [resilience.ErrOpen] and
// the turn is counted as skipped instead of waiting for a timeout. Reads go
// straight through.
type GuardedStore struct {
	inner   Store
	breaker *resilience.Breaker
	skipped atomic.Int64
}

// NewGuardedStore wraps inner with b.
func NewGuardedStore(inner Store, b *resilience.Breaker) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: b}
}

// SaveTurn implements [Store].
func (g *GuardedStore) SaveTurn(ctx context.Context, sessionID string, seq int, turn transcript.Turn) error {
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.inner.SaveTurn(ctx, sessionID, seq, turn)
	})
	if errors.Is(err, resilience.ErrOpen) {
		g.skipped.Add(1)
		return fmt.Errorf("history: turn %d of %s not saved: %w", seq, sessionID, err)
	}
	return err
}

// Turns implements [Store].
func (g *GuardedStore) Turns(ctx context.Context, sessionID string) ([]transcript.Turn, error) {
	return g.inner.Turns(ctx, sessionID)
}

// Ping checks the wrapped store when it supports it. An open breaker makes
// the store not ready.
func (g *GuardedStore) Ping(ctx context.Context) error {
	if g.breaker.State() == resilience.StateOpen {
		return resilience.ErrOpen
	}
	if p, ok := g.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Skipped returns the number of turns rejected by the open breaker.
func (g *GuardedStore) Skipped() int64 { return g.skipped.Load() }

// Close implements [Store].
func (g *GuardedStore) Close() error { return g.inner.Close() }
