// Package playback schedules inbound model audio for gapless sequential
// playback on an [audio.Sink].
//
// A [Scheduler] keeps a playback cursor on an output [Clock]. Every chunk is
// placed at max(cursor, now) and the cursor advances by the chunk's duration,
// so chunks that arrive at irregular intervals still play back to back
// without overlapping. Scheduled units are tracked in a live set until their
// end time has passed, which lets callers verify that a stopped session
// leaves no dangling playback.
package playback

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultLead is how far ahead of its start time a unit is handed to the sink.
// Pipe-backed sinks need a little headroom to avoid underruns.
const DefaultLead = 40 * time.Millisecond

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Clock reports the current time of the output device, measured from the
// moment the playback context was created.
type Clock interface {
	Now() time.Duration
}

// wallClock is a [Clock] backed by the monotonic system clock.
type wallClock struct {
	origin time.Time
}

// NewWallClock returns a [Clock] whose zero is the time of the call.
func NewWallClock() Clock {
	return &wallClock{origin: time.Now()}
}

func (c *wallClock) Now() time.Duration { return time.Since(c.origin) }

// Unit is one scheduled playback buffer.
type Unit struct {
	ID    uint64
	Start time.Duration
	End   time.Duration
	Frame audio.AudioFrame
}

// Duration returns End - Start.
func (u Unit) Duration() time.Duration { return u.End - u.Start }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock replaces the wall clock. Tests use this to freeze or step time.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLead sets how early a unit is written to the sink ahead of its start
// time. Negative values are treated as zero.
func WithLead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d < 0 {
			d = 0
		}
		s.lead = d
	}
}

// Scheduler places decoded audio on a playback timeline and feeds it to a sink
// from a single dispatch goroutine. All exported methods are safe for
// concurrent use.
type Scheduler struct {
	sink  audio.Sink
	clock Clock
	lead  time.Duration
	conv  *audio.Converter // used by the dispatch goroutine only

	mu       sync.Mutex
	cursor   time.Duration
	queue    unitHeap
	live     map[uint64]Unit
	idle     chan struct{} // closed while the live set is empty
	seq      uint64
	written  time.Duration // end of the last unit handed to the sink
	closed   bool
	finished sync.WaitGroup

	notify chan struct{}
	done   chan struct{}
}

// New creates a Scheduler writing to sink and starts its dispatch goroutine.
// The cursor starts at zero. Call [Scheduler.Close] to stop scheduling.
func New(sink audio.Sink, opts ...Option) *Scheduler {
	idle := make(chan struct{})
	close(idle)

	s := &Scheduler{
		sink:   sink,
		lead:   DefaultLead,
		conv:   &audio.Converter{Target: sink.Format()},
		live:   make(map[uint64]Unit),
		idle:   idle,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = NewWallClock()
	}
	heap.Init(&s.queue)

	s.finished.Add(1)
	go s.dispatch()
	return s
}

// Schedule decodes an inbound PCM payload and places it on the timeline at
// max(cursor, now), advancing the cursor by its duration.
//
// Malformed payloads return an error wrapping [audio.ErrDecode] and leave the
// timeline untouched. After Close, Schedule returns [ErrClosed].
func (s *Scheduler) Schedule(data []byte, mimeType string) (Unit, error) {
	frame, err := audio.DecodePCM(data, mimeType)
	if err != nil {
		return Unit{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Unit{}, ErrClosed
	}

	start := max(s.cursor, s.clock.Now())
	s.seq++
	u := Unit{
		ID:    s.seq,
		Start: start,
		End:   start + frame.Duration(),
		Frame: frame,
	}
	u.Frame.Timestamp = start
	s.cursor = u.End

	heap.Push(&s.queue, u)
	if len(s.live) == 0 {
		s.idle = make(chan struct{})
	}
	s.live[u.ID] = u

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return u, nil
}

// Flush discards every unit that has not been handed to the sink yet and pulls
// the cursor back to the end of the audio already written (or now, if that is
// later). It is used when the model reports that its turn was interrupted.
// Flush returns the number of discarded units.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.discardPendingLocked()
	s.cursor = max(s.written, s.clock.Now())

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return n
}

// Cursor returns the end of the already scheduled audio.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Live returns the number of units that are scheduled or still playing.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Wait blocks until the live set is empty or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.live) == 0 {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Close stops scheduling immediately: later calls to Schedule fail with
// [ErrClosed] and units not yet handed to the sink are discarded. Units that
// were already written stay in the live set until their end time passes.
// Close does not close the sink. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.discardPendingLocked()
	s.mu.Unlock()

	close(s.done)
	s.finished.Wait()
	return nil
}

// discardPendingLocked empties the pending queue and removes its units from
// the live set. Must be called with s.mu held.
func (s *Scheduler) discardPendingLocked() int {
	n := s.queue.Len()
	for s.queue.Len() > 0 {
		u := heap.Pop(&s.queue).(Unit)
		s.removeLocked(u.ID)
	}
	return n
}

// removeLocked drops id from the live set. Must be called with s.mu held.
func (s *Scheduler) removeLocked(id uint64) {
	if _, ok := s.live[id]; !ok {
		return
	}
	delete(s.live, id)
	if len(s.live) == 0 {
		close(s.idle)
	}
}

// dispatch hands units to the sink in start order once the clock reaches
// their start time minus the configured lead.
func (s *Scheduler) dispatch() {
	defer s.finished.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		u, wait, ok := s.peek()
		if !ok {
			select {
			case <-s.done:
				return
			case <-s.notify:
				continue
			}
		}

		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-s.done:
				return
			case <-s.notify:
				// The head may have changed (flush or earlier unit).
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		if !s.pop(u.ID) {
			continue
		}
		s.play(u)
	}
}

// peek returns the next pending unit and how long to wait before writing it.
func (s *Scheduler) peek() (Unit, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return Unit{}, 0, false
	}
	u := s.queue[0]
	return u, u.Start - s.lead - s.clock.Now(), true
}

// pop removes the head of the queue if it is still id.
func (s *Scheduler) pop(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.queue.Len() == 0 || s.queue[0].ID != id {
		return false
	}
	u := heap.Pop(&s.queue).(Unit)
	s.written = max(s.written, u.End)
	return true
}

// play writes u to the sink and arranges for its removal from the live set
// once its end time has passed.
func (s *Scheduler) play(u Unit) {
	out := s.conv.Convert(u.Frame)
	if len(out.Data) > 0 {
		if err := s.sink.Write(out); err != nil {
			slog.Warn("playback: sink write failed", "unit", u.ID, "err", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := u.End - s.clock.Now()
	if remaining <= 0 {
		s.removeLocked(u.ID)
		return
	}
	time.AfterFunc(remaining, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.removeLocked(u.ID)
	})
}
