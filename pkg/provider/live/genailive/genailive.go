// Package genailive implements the live.Provider interface on top of the
// google.golang.org/genai SDK's Live API.
//
// The SDK owns the WebSocket and the wire encoding; this package adapts its
// blocking Receive loop to the shared live session contract. Errors are
// classified from the SDK's structured values: [genai.APIError] codes, the
// JSON error body of server error frames, and WebSocket close codes.
package genailive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.SessionHandle = (*session)(nil)

const (
	defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	eventBuffer  = 64
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions that do not name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL (e.g. "ws://127.0.0.1:8080/" in
// tests).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIVersion overrides the API version segment of the Live endpoint.
func WithAPIVersion(v string) Option {
	return func(p *Provider) { p.apiVersion = v }
}

// Provider implements live.Provider with the genai SDK.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
}

// New creates a Provider for the Gemini API backend.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		apiVersion: "v1beta",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return "genai" }

// connectResult carries the outcome of the SDK dial, which does not observe
// a context.
type connectResult struct {
	sess *genai.Session
	err  error
}

// Connect implements live.Provider. The SDK dial ignores contexts, so it runs
// in a goroutine; if ctx ends first the late session is closed.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &live.Error{Op: "connect", Err: err}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    p.baseURL,
			APIVersion: p.apiVersion,
		},
	})
	if err != nil {
		return nil, classify("connect", err)
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}

	resCh := make(chan connectResult, 1)
	go func() {
		sess, err := client.Live.Connect(ctx, model, connectConfig(cfg))
		resCh <- connectResult{sess: sess, err: err}
	}()

	var res connectResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		go func() {
			if late := <-resCh; late.sess != nil {
				_ = late.sess.Close()
			}
		}()
		return nil, &live.Error{Op: "connect", Err: ctx.Err()}
	}
	if res.err != nil {
		return nil, classify("connect", res.err)
	}

	s := &session{
		conn:   res.sess,
		events: make(chan live.Event, eventBuffer),
		out:    live.NewOutbox(cfg.SendBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.sm.Transition(live.StateOpening)

	s.writer.Add(1)
	go s.writeLoop()
	go s.receiveLoop()
	return s, nil
}

// connectConfig maps the session request onto the SDK's setup config.
func connectConfig(cfg live.SessionConfig) *genai.LiveConnectConfig {
	cc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		cc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		cc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.InputTranscription {
		cc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		cc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return cc
}

// classify turns an SDK error into a structured live.Error.
func classify(op string, err error) *live.Error {
	le := &live.Error{Op: op, Err: err}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		le.Code, le.Status = apiErr.Code, apiErr.Status
	} else if body, ok := serverErrorBody(err); ok {
		le.Code, le.Status = body.Code, body.Status
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		le.Code = ce.Code
		le.Auth = live.IsAuthCloseCode(ce.Code)
	}
	if live.IsAuthCode(le.Code) || live.IsAuthStatus(le.Status) {
		le.Auth = true
	}
	return le
}

// serverErrorBody extracts the JSON error object the SDK embeds in the error
// it returns for server error frames. The SDK exposes no typed error for
// these, so the frame is recovered from the message: v1.48.0 formats it as
// "received error in response: {...}". A rendering of the raw bytes as a
// decimal list ("[123 34 ...]") is accepted as well.
func serverErrorBody(err error) (genai.APIError, bool) {
	msg := err.Error()
	var raw []byte
	if i := strings.IndexByte(msg, '{'); i >= 0 {
		raw = []byte(msg[i:])
	} else if b, ok := byteList(msg); ok {
		raw = b
	} else {
		return genai.APIError{}, false
	}

	var frame struct {
		Error *genai.APIError `json:"error"`
	}
	if json.Unmarshal(raw, &frame) != nil || frame.Error == nil {
		return genai.APIError{}, false
	}
	return *frame.Error, true
}

// byteList decodes the first "[n n n]" list of byte values in msg.
func byteList(msg string) ([]byte, bool) {
	start := strings.IndexByte(msg, '[')
	end := strings.LastIndexByte(msg, ']')
	if start < 0 || end <= start {
		return nil, false
	}
	fields := strings.Fields(msg[start+1 : end])
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || n > 255 {
			return nil, false
		}
		out = append(out, byte(n))
	}
	return out, len(out) > 0
}

type session struct {
	conn   *genai.Session
	sm     live.StateMachine
	events chan live.Event
	out    *live.Outbox

	mu     sync.Mutex
	errVal error

	stopOnce sync.Once
	stop     chan struct{}
	writer   sync.WaitGroup
	done     chan struct{}
}

// receiveLoop owns the events channel.
func (s *session) receiveLoop() {
	code, reason := 0, ""
	defer func() { s.finish(code, reason) }()

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if st := s.sm.Current(); st == live.StateClosing || st == live.StateErrored {
				return
			}
			var corrupt base64.CorruptInputError
			if errors.As(err, &corrupt) {
				s.emit(live.AudioEvent{Err: fmt.Errorf("genailive: %w: %v", audio.ErrDecode, err)})
				continue
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
				if ce.Code == websocket.CloseNormalClosure && s.sm.Current() == live.StateOpen {
					return
				}
			}
			s.fail(classify(s.failOp(), err))
			return
		}
		s.handle(msg)
	}
}

func (s *session) failOp() string {
	if s.sm.Current() == live.StateOpening {
		return "setup"
	}
	return "receive"
}

func (s *session) handle(msg *genai.LiveServerMessage) {
	if msg.SetupComplete != nil && s.sm.Transition(live.StateOpen) {
		s.emit(live.OpenEvent{})
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(live.UserTextEvent{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(live.ModelTextEvent{Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil {
				continue
			}
			s.emit(live.AudioEvent{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType})
		}
	}
	if sc.Interrupted {
		s.emit(live.InterruptedEvent{})
	}
	if sc.TurnComplete {
		s.emit(live.TurnCompleteEvent{})
	}
}

func (s *session) emit(ev live.Event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

func (s *session) fail(err error) {
	if _, ok := s.sm.TransitionFrom(live.StateErrored, live.StateOpening, live.StateOpen); !ok {
		return
	}
	s.mu.Lock()
	s.errVal = err
	s.mu.Unlock()

	slog.Warn("genailive: session failed", "err", err)
	s.emit(live.ErrorEvent{Err: err})
	s.halt()
}

// halt stops the writer and closes the SDK session, unblocking Receive.
func (s *session) halt() {
	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.conn.Close()
	})
}

func (s *session) finish(code int, reason string) {
	s.sm.TransitionFrom(live.StateClosing, live.StateOpening, live.StateOpen)
	s.halt()
	s.writer.Wait()

	s.sm.Transition(live.StateClosed)
	select {
	case s.events <- live.CloseEvent{Code: code, Reason: reason}:
	default:
	}
	close(s.events)
	close(s.done)
}

// writeLoop is the only goroutine writing to the SDK session.
func (s *session) writeLoop() {
	defer s.writer.Done()

	for {
		select {
		case <-s.stop:
			return
		case chunk := <-s.out.C():
			err := s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
				Audio: &genai.Blob{Data: chunk.Data, MIMEType: chunk.MIMEType},
			})
			if err != nil {
				select {
				case <-s.stop:
					return
				default:
				}
				s.fail(classify("send", err))
				return
			}
		}
	}
}

// Send enqueues a PCM chunk. It is a no-op unless the session is Open.
func (s *session) Send(chunk audio.EncodedChunk) error {
	if s.sm.Current() != live.StateOpen {
		return nil
	}
	s.out.Offer(chunk)
	return nil
}

func (s *session) Events() <-chan live.Event { return s.events }

func (s *session) State() live.State { return s.sm.Current() }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *session) Dropped() int64 { return s.out.Dropped() }

// Close terminates the session and waits for the receive loop to exit.
// Idempotent.
func (s *session) Close() error {
	s.sm.TransitionFrom(live.StateClosing, live.StateOpening, live.StateOpen)
	s.halt()
	<-s.done
	return nil
}
