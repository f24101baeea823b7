// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to drive the server side of a conversation from a test: open it,
// push transcript and audio events, fail it, and inspect which chunks the
// code under test sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	// ... code under test calls p.Connect ...
//	sess.Open()
//	sess.Push(live.UserTextEvent{Text: "hello"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// Ensure the mocks implement the live interfaces at compile time.
var (
	_ live.Provider      = (*Provider)(nil)
	_ live.SessionHandle = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or ctx ends.
	Block chan struct{}

	// AutoOpen opens the session before Connect returns, so that an
	// OpenEvent is already queued.
	AutoOpen bool

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Name implements live.Provider.
func (p *Provider) Name() string { return "mock" }

// Connect records the call and returns Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &live.Error{Op: "connect", Err: ctx.Err()}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	p.Session.sm.Transition(live.StateOpening)
	if p.AutoOpen {
		p.Session.Open()
	}
	return p.Session, nil
}

// Calls returns the number of Connect invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Session is a scripted live.SessionHandle. Events pushed by the test are
// delivered in order on Events.
type Session struct {
	sm     live.StateMachine
	events chan live.Event

	mu      sync.Mutex
	sent    []audio.EncodedChunk
	errVal  error
	closed  bool
	dropped int64

	// CloseCalls counts calls to Close.
	CloseCalls int
}

// NewSession returns an idle Session with a generously buffered event
// channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 1024)}
}

// Open moves the session to Open and delivers an OpenEvent.
func (s *Session) Open() {
	if s.sm.Transition(live.StateOpen) {
		s.Push(live.OpenEvent{})
	}
}

// Push delivers ev and reports whether it was accepted. Events are dropped
// after the session closed.
func (s *Session) Push(ev live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Fail moves the session to Errored, delivers an ErrorEvent and ends the
// session as a transport failure would.
func (s *Session) Fail(err error) {
	if _, ok := s.sm.TransitionFrom(live.StateErrored, live.StateOpening, live.StateOpen); !ok {
		return
	}
	s.mu.Lock()
	s.errVal = err
	s.mu.Unlock()
	s.Push(live.ErrorEvent{Err: err})
	s.end(0, "")
}

// RemoteClose ends the session as if the server closed the connection.
func (s *Session) RemoteClose(code int, reason string) {
	s.sm.TransitionFrom(live.StateClosing, live.StateOpening, live.StateOpen)
	s.end(code, reason)
}

func (s *Session) end(code int, reason string) {
	s.sm.Transition(live.StateClosed)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- live.CloseEvent{Code: code, Reason: reason}:
	default:
	}
	s.closed = true
	close(s.events)
}

// Send records chunk while the session is Open and ignores it otherwise.
func (s *Session) Send(chunk audio.EncodedChunk) error {
	if s.sm.Current() != live.StateOpen {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := chunk
	cp.Data = append([]byte(nil), chunk.Data...)
	s.sent = append(s.sent, cp)
	return nil
}

// Sent returns a copy of every chunk accepted by Send.
func (s *Session) Sent() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedChunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// Events implements live.SessionHandle.
func (s *Session) Events() <-chan live.Event { return s.events }

// State implements live.SessionHandle.
func (s *Session) State() live.State { return s.sm.Current() }

// Err implements live.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Dropped implements live.SessionHandle.
func (s *Session) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close implements live.SessionHandle. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()

	s.sm.TransitionFrom(live.StateClosing, live.StateOpening, live.StateOpen)
	s.end(0, "")
	return nil
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls
}
