package live

// EventKind names an [Event] variant. The values are stable and appear in logs
// and in the event stream served to HTTP clients.
type EventKind string

const (
	KindOpen         EventKind = "open"
	KindUserText     EventKind = "user_text"
	KindModelText    EventKind = "model_text"
	KindTurnComplete EventKind = "turn_complete"
	KindInterrupted  EventKind = "interrupted"
	KindAudio        EventKind = "audio"
	KindError        EventKind = "error"
	KindClose        EventKind = "close"
)

// Event is a server event. The set of implementations is closed: every event
// is one of the types in this file.
type Event interface {
	Kind() EventKind
	sealed()
}

// OpenEvent reports that the backend accepted the setup. The session is now
// [StateOpen] and accepts audio.
type OpenEvent struct{}

// UserTextEvent is a partial transcript of the user's speech.
type UserTextEvent struct {
	Text string
}

// ModelTextEvent is a partial transcript of the model's speech.
type ModelTextEvent struct {
	Text string
}

// TurnCompleteEvent marks the end of the model's turn.
type TurnCompleteEvent struct{}

// InterruptedEvent reports that the user spoke over the model and the rest of
// the current model turn was discarded by the backend.
type InterruptedEvent struct{}

// AudioEvent carries one inline audio chunk. Data is raw PCM; MIMEType is the
// tag supplied by the backend (e.g. "audio/pcm;rate=24000").
//
// Err is set instead of Data when the transport could not decode the payload
// (for example corrupt base64). It wraps [audio.ErrDecode]; the chunk must be
// dropped and the session continues.
type AudioEvent struct {
	Data     []byte
	MIMEType string
	Err      error
}

// ErrorEvent reports a terminal transport or backend error. The session is in
// [StateErrored] when this event is delivered.
type ErrorEvent struct {
	Err error
}

// CloseEvent is the last event of every session.
type CloseEvent struct {
	// Code is the WebSocket close code if the backend closed the connection,
	// or 0 when the close was initiated locally.
	Code   int
	Reason string
}

func (OpenEvent) Kind() EventKind         { return KindOpen }
func (UserTextEvent) Kind() EventKind     { return KindUserText }
func (ModelTextEvent) Kind() EventKind    { return KindModelText }
func (TurnCompleteEvent) Kind() EventKind { return KindTurnComplete }
func (InterruptedEvent) Kind() EventKind  { return KindInterrupted }
func (AudioEvent) Kind() EventKind        { return KindAudio }
func (ErrorEvent) Kind() EventKind        { return KindError }
func (CloseEvent) Kind() EventKind        { return KindClose }

func (OpenEvent) sealed()         {}
func (UserTextEvent) sealed()     {}
func (ModelTextEvent) sealed()    {}
func (TurnCompleteEvent) sealed() {}
func (InterruptedEvent) sealed()  {}
func (AudioEvent) sealed()        {}
func (ErrorEvent) sealed()        {}
func (CloseEvent) sealed()        {}
