// Package gemini implements the live.Provider interface for Google's Gemini
// Live API over a raw WebSocket.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions; input
// and output transcriptions arrive as separate server content fields.
package gemini

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
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions that do not name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
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
func (p *Provider) Name() string { return "gemini-live" }

// Connect dials the Gemini Live endpoint and sends the setup message. The
// returned handle is Opening until the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	sess := &session{
		events: make(chan live.Event, eventBuffer),
		out:    live.NewOutbox(cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	sess.sm.Transition(live.StateOpening)

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
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

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	if err := sess.sendSetup(model, cfg); err != nil {
		sess.cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &live.Error{Op: "setup", Err: err}
	}

	sess.workers.Add(2)
	go sess.writeLoop()
	go sess.keepaliveLoop()
	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	sm     live.StateMachine
	events chan live.Event
	out    *live.Outbox

	mu     sync.Mutex
	errVal error

	ctx    context.Context
	cancel context.CancelFunc

	// workers tracks writeLoop and keepaliveLoop; receiveLoop waits for them
	// before closing events.
	workers sync.WaitGroup
	done    chan struct{}
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg live.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
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

// handleServerMessage processes one frame. It reports false when the session
// must end.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		ge := msg.Error
		text := ge.Message
		if text == "" {
			text = "unknown error"
		}
		s.fail(&live.Error{
			Op:     s.failOp(),
			Code:   ge.Code,
			Status: ge.Status,
			Auth:   live.IsAuthCode(ge.Code) || live.IsAuthStatus(ge.Status),
			Err:    errors.New(text),
		})
		return false
	}
	if msg.SetupComplete != nil {
		if s.sm.Transition(live.StateOpen) {
			s.emit(live.OpenEvent{})
		}
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(live.UserTextEvent{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(live.ModelTextEvent{Text: sc.OutputTranscription.Text})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			ev := live.AudioEvent{MIMEType: p.InlineData.MIMEType}
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				ev.Err = fmt.Errorf("gemini: %w: %v", audio.ErrDecode, err)
			} else {
				ev.Data = data
			}
			s.emit(ev)
		}
	}

	if sc.Interrupted {
		s.emit(live.InterruptedEvent{})
	}
	if sc.TurnComplete {
		s.emit(live.TurnCompleteEvent{})
	}
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

	slog.Warn("gemini: session failed", "err", err)
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

// writeLoop drains the outbox onto the socket.
func (s *session) writeLoop() {
	defer s.workers.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.out.C():
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{{
						MIMEType: chunk.MIMEType,
						Data:     base64.StdEncoding.EncodeToString(chunk.Data),
					}},
				},
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
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
		slog.Debug("gemini: outbound queue full, chunk dropped")
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
