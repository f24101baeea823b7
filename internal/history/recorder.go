package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/transcript"
)

const (
	recorderBuffer = 64
	saveTimeout    = 5 * time.Second
)

type pending struct {
	seq  int
	turn transcript.Turn
}

// Recorder writes the turns of one session to a [Store] from a background
// goroutine. Record never blocks; when the buffer is full the turn is
// dropped and a warning is logged.
type Recorder struct {
	store     Store
	sessionID string
	log       *slog.Logger

	mu     sync.Mutex
	seq    int
	closed bool
	ch     chan pending
	done   chan struct{}
}

// NewRecorder starts a Recorder for sessionID.
func NewRecorder(store Store, sessionID string) *Recorder {
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		log:       slog.With("session_id", sessionID),
		ch:        make(chan pending, recorderBuffer),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues turn for storage. It is safe to call after Close, which makes
// it a no-op.
func (r *Recorder) Record(turn transcript.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.seq++
	select {
	case r.ch <- pending{seq: r.seq, turn: turn}:
	default:
		r.log.Warn("history: recorder buffer full, turn dropped", "seq", r.seq)
	}
}

// Close stops accepting turns and waits until the queued ones are written.
// Idempotent.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for p := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := r.store.SaveTurn(ctx, r.sessionID, p.seq, p.turn); err != nil {
			r.log.Warn("history: save turn failed", "seq", p.seq, "err", err)
		}
		cancel()
	}
}
