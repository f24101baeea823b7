// Package live defines the Provider interface for streaming speech-to-speech
// sessions with a hosted conversational model.
//
// A session carries microphone audio to the model and returns a single ordered
// stream of [Event] values: the open signal, partial user and model
// transcripts, turn boundaries, inline audio, errors and the final close.
// Every backend shares the [StateMachine] in this package so that the session
// lifecycle (Idle → Opening → Open → Closing → Closed, with a terminal Errored
// state) is enforced in one place.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
)

// SessionConfig is the open request for a new session.
type SessionConfig struct {
	// Model overrides the provider's default model identifier.
	Model string

	// Voice is the provider-specific prebuilt voice name (e.g. "Zephyr").
	// Empty selects the provider default.
	Voice string

	// Instructions is the system instruction for the model.
	Instructions string

	// InputTranscription asks the model to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the model to transcribe its own speech.
	OutputTranscription bool

	// SendBuffer bounds the outbound queue. Zero selects [DefaultSendBuffer].
	SendBuffer int
}

// DefaultSendBuffer is the outbound queue size used when
// [SessionConfig.SendBuffer] is zero.
const DefaultSendBuffer = 32

// SessionHandle is an open bidirectional session. It is owned by exactly one
// caller, which must call Close when done.
type SessionHandle interface {
	// Send enqueues an audio chunk for delivery and returns immediately. There
	// is no acknowledgement. While the session is not Open, Send is a silent
	// no-op that returns nil: it never reconnects and never fails after close.
	// A full outbound queue drops the chunk.
	Send(chunk audio.EncodedChunk) error

	// Events returns the session's event stream in arrival order. The channel
	// is closed after the session reaches [StateClosed].
	Events() <-chan Event

	// State returns the current lifecycle state.
	State() State

	// Err returns the error that moved the session to [StateErrored], or nil.
	Err() error

	// Dropped returns the number of chunks dropped because the outbound queue
	// was full.
	Dropped() int64

	// Close initiates Closing, releases the transport and ends in
	// [StateClosed]. Idempotent.
	Close() error
}

// Provider opens sessions against a backend.
type Provider interface {
	// Name identifies the backend in logs and metrics (e.g. "gemini-live").
	Name() string

	// Connect dials the backend and sends the open request. The returned
	// handle is in [StateOpening]; an [OpenEvent] follows once the backend
	// acknowledges the setup. Connect honours ctx for the dial only.
	//
	// Errors match [ErrOpen] and, for rejected credentials, [ErrAuth].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
