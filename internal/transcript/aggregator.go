// Package transcript accumulates the partial transcripts of a live
// conversation into turns.
//
// A live session reports the user's and the model's speech as a stream of
// small text fragments. The [Aggregator] appends fragments to the current
// [Turn] and, when the model signals the end of its turn, snapshots the turn
// into an ordered history and starts a fresh one. A turn that is still open
// when the session ends is dropped without being recorded.
//
// The Aggregator is written by a single dispatcher goroutine and may be read
// concurrently (e.g. by HTTP handlers).
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Turn is one user-utterance/model-response exchange.
type Turn struct {
	// User is the concatenated transcript of the user's speech.
	User string `json:"user"`

	// Model is the concatenated transcript of the model's speech.
	Model string `json:"model"`

	// Completed is when the turn was finalised. Zero for the open turn.
	Completed time.Time `json:"completed,omitzero"`
}

// Empty reports whether neither side said anything.
func (t Turn) Empty() bool { return t.User == "" && t.Model == "" }

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithOnTurn registers fn to be called with every finalised turn. fn runs on
// the goroutine that called [Aggregator.Complete], after the internal lock has
// been released.
func WithOnTurn(fn func(Turn)) Option {
	return func(a *Aggregator) { a.onTurn = fn }
}

// WithMaxTurns caps the in-memory history. When the cap is exceeded the
// oldest turns are discarded. Zero or negative means unbounded.
func WithMaxTurns(n int) Option {
	return func(a *Aggregator) { a.maxTurns = n }
}

// WithNow replaces the clock used to stamp completed turns.
func WithNow(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator collects transcript fragments into turns. All methods are safe
// for concurrent use.
type Aggregator struct {
	mu      sync.RWMutex
	user    strings.Builder
	model   strings.Builder
	history []Turn

	maxTurns int
	onTurn   func(Turn)
	now      func() time.Time
}

// New returns an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AppendUser appends a fragment of the user's transcript to the current turn.
func (a *Aggregator) AppendUser(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.WriteString(text)
}

// AppendModel appends a fragment of the model's transcript to the current turn.
func (a *Aggregator) AppendModel(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.WriteString(text)
}

// Complete finalises the current turn, which may be empty, appends it to the
// history and resets the current turn. It returns the finalised turn.
func (a *Aggregator) Complete() Turn {
	a.mu.Lock()
	t := Turn{
		User:      a.user.String(),
		Model:     a.model.String(),
		Completed: a.now(),
	}
	a.user.Reset()
	a.model.Reset()
	a.history = append(a.history, t)
	if a.maxTurns > 0 && len(a.history) > a.maxTurns {
		a.history = append(a.history[:0:0], a.history[len(a.history)-a.maxTurns:]...)
	}
	hook := a.onTurn
	a.mu.Unlock()

	if hook != nil {
		hook(t)
	}
	return t
}

// Current returns a snapshot of the open turn.
func (a *Aggregator) Current() Turn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Turn{User: a.user.String(), Model: a.model.String()}
}

// History returns a copy of the finalised turns in completion order.
func (a *Aggregator) History() []Turn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Turn, len(a.history))
	copy(out, a.history)
	return out
}

// Reset discards the open turn without recording it. The history is kept.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.Reset()
	a.model.Reset()
}
