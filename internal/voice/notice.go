package voice

import (
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/transcript"
)

// NoticeType classifies a [Notice].
type NoticeType string

const (
	// NoticeState reports a controller state change.
	NoticeState NoticeType = "state"

	// NoticeUserText carries a fragment of the user's transcript.
	NoticeUserText NoticeType = "user_text"

	// NoticeModelText carries a fragment of the model's transcript.
	NoticeModelText NoticeType = "model_text"

	// NoticeTurn carries a finalised turn.
	NoticeTurn NoticeType = "turn"

	// NoticeInterrupted reports that the user barged in and pending model
	// audio was discarded.
	NoticeInterrupted NoticeType = "interrupted"

	// NoticeError reports the error that ended a session.
	NoticeError NoticeType = "error"
)

// Notice is a user-visible event published to subscribers.
type Notice struct {
	Type      NoticeType       `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	State     State            `json:"state,omitempty"`
	Text      string           `json:"text,omitempty"`
	Turn      *transcript.Turn `json:"turn,omitempty"`
	Error     string           `json:"error,omitempty"`
	Time      time.Time        `json:"time"`
}

// subscriberBuffer bounds each subscriber's queue. A subscriber that falls
// further behind misses notices.
const subscriberBuffer = 64

// hub fans notices out to subscribers without ever blocking the publisher.
type hub struct {
	mu     sync.Mutex
	subs   map[chan Notice]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan Notice]struct{})}
}

// subscribe registers a new subscriber. The returned cancel func removes it
// and closes the channel; it is safe to call more than once.
func (h *hub) subscribe() (<-chan Notice, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Notice, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

func (h *hub) publish(n Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// close ends every subscription.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
