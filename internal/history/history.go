// Package history persists the finalised turns of live sessions.
//
// A [Store] keeps turns keyed by session ID and sequence number. [MemStore]
// keeps them in process memory; the postgres sub-package stores them in
// PostgreSQL. A [Recorder] decouples the session dispatcher from the store so
// that a slow database never delays audio playback.
package history

import (
	"context"

	"github.com/MrWong99/parley/internal/transcript"
)

// Store persists finalised turns. Implementations must be safe for concurrent
// use.
type Store interface {
	// SaveTurn stores turn as the seq-th turn (1-based) of sessionID. Saving
	// the same (sessionID, seq) twice keeps the first turn.
	SaveTurn(ctx context.Context, sessionID string, seq int, turn transcript.Turn) error

	// Turns returns the turns of sessionID in sequence order. An unknown
	// session yields an empty slice and no error.
	Turns(ctx context.Context, sessionID string) ([]transcript.Turn, error)

	// Close releases the store's resources.
	Close() error
}
