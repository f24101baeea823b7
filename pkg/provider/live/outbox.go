package live

import (
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
)

// Outbox is the bounded outbound audio queue shared by the backends. Offer
// never blocks; a full queue drops the chunk and counts it. A single writer
// goroutine per session drains [Outbox.C].
type Outbox struct {
	ch      chan audio.EncodedChunk
	dropped atomic.Int64
}

// NewOutbox returns an Outbox holding up to size chunks. Sizes below one
// select [DefaultSendBuffer].
func NewOutbox(size int) *Outbox {
	if size < 1 {
		size = DefaultSendBuffer
	}
	return &Outbox{ch: make(chan audio.EncodedChunk, size)}
}

// Offer enqueues c and reports whether it was accepted.
func (o *Outbox) Offer(c audio.EncodedChunk) bool {
	select {
	case o.ch <- c:
		return true
	default:
		o.dropped.Add(1)
		return false
	}
}

// C returns the receive side of the queue.
func (o *Outbox) C() <-chan audio.EncodedChunk { return o.ch }

// Dropped returns the number of chunks rejected by Offer.
func (o *Outbox) Dropped() int64 { return o.dropped.Load() }
