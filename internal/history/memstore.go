package history

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/parley/internal/transcript"
)

var _ Store = (*MemStore)(nil)

type seqTurn struct {
	seq  int
	turn transcript.Turn
}

// MemStore is an in-memory [Store]. The zero value is ready to use.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]seqTurn
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// SaveTurn implements [Store].
func (m *MemStore) SaveTurn(_ context.Context, sessionID string, seq int, turn transcript.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions == nil {
		m.sessions = make(map[string][]seqTurn)
	}
	turns := m.sessions[sessionID]
	i, found := slices.BinarySearchFunc(turns, seq, func(e seqTurn, s int) int { return e.seq - s })
	if found {
		return nil
	}
	m.sessions[sessionID] = slices.Insert(turns, i, seqTurn{seq: seq, turn: turn})
	return nil
}

// Turns implements [Store].
func (m *MemStore) Turns(_ context.Context, sessionID string) ([]transcript.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.sessions[sessionID]
	out := make([]transcript.Turn, len(src))
	for i, st := range src {
		out[i] = st.turn
	}
	return out, nil
}

// Close implements [Store]. It is a no-op.
func (m *MemStore) Close() error { return nil }
