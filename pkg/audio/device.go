// Package audio defines the audio types and device contracts of the Parley
// pipeline: PCM frames, the outbound encoder, inbound payload decoding, and
// the [Capture] and [Sink] interfaces implemented by device backends.
//
// Backends live in sub-packages (audio/portaudio, audio/ffmpeg). This package
// lives under pkg/ because third-party backends are expected to implement
// [Capture] and [Sink].
package audio

import (
	"context"
	"errors"
)

// ErrPermission is wrapped by [Capture.Open] when the input device is denied
// or unavailable. A session is never started after this error.
var ErrPermission = errors.New("audio: input device permission denied or unavailable")

// Capture is a microphone input stream.
//
// The lifecycle is Open → Start → Stop → Close. Stop detaches the block
// callback; Close releases the hardware stream. Both are idempotent and may be
// called without a preceding Start.
//
// Implementations must not queue blocks: when the callback is slower than the
// device, blocks are dropped.
type Capture interface {
	// Open acquires the input device. Denied or missing devices produce an
	// error wrapping [ErrPermission].
	Open(ctx context.Context) error

	// Start begins delivering fixed-size blocks to onBlock. onBlock is called
	// sequentially from a single goroutine owned by the backend.
	Start(onBlock func(SampleBlock)) error

	// Stop stops block delivery. After Stop returns onBlock is not called again.
	Stop() error

	// Close releases the device.
	Close() error
}

// Sink is an audio output device that accepts PCM16 frames in its [Format].
type Sink interface {
	// Format reports the sample rate and channel count the sink expects.
	Format() Format

	// Write plays f. Implementations may block until the device has accepted
	// the data.
	Write(f AudioFrame) error

	// Close releases the device. Idempotent.
	Close() error
}
