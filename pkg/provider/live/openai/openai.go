// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime protocol. Audio travels
// as base64-encoded 24 kHz PCM16 in both directions, so microphone chunks are
// resampled before they are appended to the input buffer. Turn detection runs
// on the server.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// sampleRate is the only rate the pcm16 audio format accepts.
	sampleRate = 24000

	transcriptionModel = "whisper-1"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// outputMIMEType tags every audio delta.
var outputMIMEType = audio.PCMMIMEType(sampleRate)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions that do not name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return "openai-realtime" }

// Connect dials the Realtime endpoint and sends the session.update request.
// The returned handle is Opening until the server answers with
// session.updated.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	sess := &session{
		events:  make(chan live.Event, eventBuffer),
		out:     live.NewOutbox(cfg.SendBuffer),
		done:    make(chan struct{}),
		cfg:     cfg,
		partial: make(map[string]bool),
	}
	sess.sm.Transition(live.StateOpening)

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(model))
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		le := &live.Error{Op: "connect", Err: err}
		if resp != nil {
			le.Code = resp.StatusCode
			le.Auth = live.IsAuthCode(resp.StatusCode)
		}
		return nil, le
	}

	sess.conn = conn
	sess.ctx, sess.cancel = context.WithCancel(context.Background())

	if err := sess.sendSessionUpdate(); err != nil {
		sess.cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, &live.Error{Op: "setup", Err: err}
	}

	sess.workers.Add(2)
	go sess.writeLoop()
	go sess.keepaliveLoop()
	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection  `json:"turn_detection"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta, response.audio_transcript.delta and
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// response.done
	Response *responseInfo `json:"response,omitempty"`

	// error
	Error *serverError `json:"error,omitempty"`
}

type responseInfo struct {
	Status string `json:"status"`
}

// serverError is the nested object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// authErrorCodes are the error codes that identify rejected credentials.
var authErrorCodes = map[string]bool{
	"invalid_api_key":          true,
	"insufficient_permissions": true,
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	sm     live.StateMachine
	events chan live.Event
	out    *live.Outbox
	cfg    live.SessionConfig

	mu     sync.Mutex
	errVal error

	// Turn bookkeeping, owned by receiveLoop.
	responding  bool
	interrupted bool
	partial     map[string]bool // items that already streamed transcript deltas

	ctx    context.Context
	cancel context.CancelFunc

	// workers tracks writeLoop and keepaliveLoop; receiveLoop waits for them
	// before closing events.
	workers sync.WaitGroup
	done    chan struct{}
}

// sendSessionUpdate configures voice, instructions, formats and transcription.
func (s *session) sendSessionUpdate() error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             s.cfg.Voice,
		Instructions:      s.cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     turnDetection{Type: "server_vad"},
	}
	if s.cfg.InputTranscription {
		params.InputAudioTranscription = &transcription{Model: transcriptionModel}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and maps them onto live events.
// It owns the events channel: it emits the final CloseEvent and closes the
// channel when it exits.
func (s *session) receiveLoop() {
	var (
		closeCode   int
		closeReason string
	)
	defer func() { s.finish(closeCode, closeReason) }()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if st := s.sm.Current(); st == live.StateClosing || st == live.StateErrored {
				return
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				closeCode, closeReason = int(ce.Code), ce.Reason
				if ce.Code == websocket.StatusNormalClosure && s.sm.Current() == live.StateOpen {
					return
				}
				s.fail(&live.Error{
					Op:   s.failOp(),
					Code: int(ce.Code),
					Auth: live.IsAuthCloseCode(int(ce.Code)),
					Err:  err,
				})
				return
			}
			s.fail(&live.Error{Op: s.failOp(), Err: err})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// failOp names the operation that failed for the current state.
func (s *session) failOp() string {
	if s.sm.Current() == live.StateOpening {
		return "setup"
	}
	return "receive"
}

// handleServerEvent processes one event. It reports false when the session
// must end.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.updated":
		if s.sm.Transition(live.StateOpen) {
			s.emit(live.OpenEvent{})
		}

	case "response.created":
		s.responding, s.interrupted = true, false

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		ev := live.AudioEvent{MIMEType: outputMIMEType}
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			ev.Err = fmt.Errorf("openai: %w: %v", audio.ErrDecode, err)
		} else {
			ev.Data = data
		}
		s.emit(ev)

	case "response.audio_transcript.delta":
		if s.cfg.OutputTranscription && evt.Delta != "" {
			s.emit(live.ModelTextEvent{Text: evt.Delta})
		}

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta != "" {
			s.partial[evt.ItemID] = true
			s.emit(live.UserTextEvent{Text: evt.Delta})
		}

	case "conversation.item.input_audio_transcription.completed":
		streamed := s.partial[evt.ItemID]
		delete(s.partial, evt.ItemID)
		if !streamed && evt.Transcript != "" {
			s.emit(live.UserTextEvent{Text: evt.Transcript})
		}

	case "input_audio_buffer.speech_started":
		// Server VAD cancels the running response when the user barges in.
		if s.responding && !s.interrupted {
			s.interrupted = true
			s.emit(live.InterruptedEvent{})
		}

	case "response.done":
		cancelled := evt.Response != nil && evt.Response.Status == "cancelled"
		switch {
		case cancelled && !s.interrupted:
			s.emit(live.InterruptedEvent{})
		case !cancelled:
			s.emit(live.TurnCompleteEvent{})
		}
		s.responding, s.interrupted = false, false

	case "error":
		return s.handleErrorEvent(evt)
	}
	return true
}

// handleErrorEvent ends the session for errors during setup and for rejected
// credentials. Other error events refer to a single client event and are
// only logged.
func (s *session) handleErrorEvent(evt *serverEvent) bool {
	se := serverError{Message: "unknown error"}
	if evt.Error != nil {
		se = *evt.Error
		if se.Message == "" {
			se.Message = "unknown error"
		}
	}

	auth := authErrorCodes[se.Code]
	if !auth && s.sm.Current() == live.StateOpen {
		slog.Warn("openai: server rejected an event", "type", se.Type, "code", se.Code, "message", se.Message)
		return true
	}
	s.fail(&live.Error{
		Op:     s.failOp(),
		Status: se.Code,
		Auth:   auth,
		Err:    errors.New(se.Message),
	})
	return false
}

// emit delivers ev unless the session is being torn down.
func (s *session) emit(ev live.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// fail moves the session to Errored, records err and emits an ErrorEvent.
// Only the first failure is reported. The connection is closed so that
// receiveLoop exits.
func (s *session) fail(err error) {
	if _, ok := s.sm.TransitionFrom(live.StateErrored, live.StateOpening, live.StateOpen); !ok {
		return
	}
	s.mu.Lock()
	s.errVal = err
	s.mu.Unlock()

	slog.Warn("openai: session failed", "err", err)
	s.emit(live.ErrorEvent{Err: err})
	s.conn.Close(websocket.StatusInternalError, "session failed")
}

// finish releases the transport and ends the event stream.
func (s *session) finish(code int, reason string) {
	s.sm.TransitionFrom(live.StateClosing, live.StateOpening, live.StateOpen)
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.workers.Wait()

	s.sm.Transition(live.StateClosed)
	select {
	case s.events <- live.CloseEvent{Code: code, Reason: reason}:
	default:
	}
	close(s.events)
	close(s.done)
}

// writeLoop drains the outbox onto the socket as input_audio_buffer.append
// events.
func (s *session) writeLoop() {
	defer s.workers.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.out.C():
			pcm, err := toSessionRate(chunk)
			if err != nil {
				slog.Debug("openai: dropping outbound chunk", "err", err)
				continue
			}
			msg := appendAudioMessage{
				Type:  "input_audio_buffer.append",
				Audio: base64.StdEncoding.EncodeToString(pcm),
			}
			if err := s.writeJSON(msg); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.fail(&live.Error{Op: "send", Err: err})
				return
			}
		}
	}
}

// toSessionRate returns the chunk's PCM at the 24 kHz the session expects.
func toSessionRate(chunk audio.EncodedChunk) ([]byte, error) {
	frame, err := audio.DecodePCM(chunk.Data, chunk.MIMEType)
	if err != nil {
		return nil, err
	}
	return audio.ResampleMono16(frame.Data, frame.SampleRate, sampleRate), nil
}

// keepaliveLoop sends WebSocket pings so idle sessions survive proxies.
func (s *session) keepaliveLoop() {
	defer s.workers.Done()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send enqueues a PCM chunk. It is a no-op unless the session is Open.
func (s *session) Send(chunk audio.EncodedChunk) error {
	if s.sm.Current() != live.StateOpen {
		return nil
	}
	if !s.out.Offer(chunk) {
		slog.Debug("openai: outbound queue full, chunk dropped")
	}
	return nil
}

// Events returns the session's event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// State returns the current lifecycle state.
func (s *session) State() live.State { return s.sm.Current() }

// Err returns the error that moved the session to Errored.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Dropped returns the number of chunks dropped on a full outbound queue.
func (s *session) Dropped() int64 { return s.out.Dropped() }

// Close terminates the session and waits until the transport is released.
// Idempotent.
func (s *session) Close() error {
	s.sm.TransitionFrom(live.StateClosing, live.StateOpening, live.StateOpen)
	s.cancel()
	<-s.done
	return nil
}
