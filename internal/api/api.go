// Package api exposes the voice controller over HTTP.
//
// Routes:
//
//	POST   /v1/session         start a session (201, or an error status)
//	GET    /v1/session         controller status
//	DELETE /v1/session         stop the session
//	GET    /v1/session/turns   finalised turns (?session=<id> for older ones)
//	GET    /v1/events          WebSocket stream of notices
//
// Health checks and the Prometheus scrape endpoint are mounted on the same
// mux. Every route is wrapped in [observe.Middleware].
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/internal/voice"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// writeTimeout bounds a single WebSocket write to a subscriber.
const writeTimeout = 5 * time.Second

// Controller is the subset of [voice.Controller] served by the API.
type Controller interface {
	Start(ctx context.Context) (voice.Status, error)
	Stop(ctx context.Context) error
	Status() voice.Status
	Turns(ctx context.Context, sessionID string) ([]transcript.Turn, error)
	Subscribe() (<-chan voice.Notice, func())
}

// Options configures [New]. The zero value mounts no health or metrics
// routes.
type Options struct {
	// Metrics receives the HTTP request duration. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Health serves /healthz and /readyz when set.
	Health *health.Handler

	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string

	// OriginPatterns lists the hosts allowed to open /v1/events from a
	// browser. Empty allows same-origin requests only.
	OriginPatterns []string
}

// Server serves the control API.
type Server struct {
	ctrl Controller
	opts Options
}

// New builds the API handler.
func New(ctrl Controller, opts Options) http.Handler {
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	s := &Server{ctrl: ctrl, opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", s.start)
	mux.HandleFunc("GET /v1/session", s.status)
	mux.HandleFunc("DELETE /v1/session", s.stop)
	mux.HandleFunc("GET /v1/session/turns", s.turns)
	mux.HandleFunc("GET /v1/events", s.events)
	if opts.Health != nil {
		opts.Health.Register(mux)
	}
	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, opts.MetricsHandler)
	}
	return observe.Middleware(opts.Metrics)(mux)
}

type errorBody struct {
	Error  string        `json:"error"`
	Status *voice.Status `json:"status,omitempty"`
}

type turnsBody struct {
	SessionID string            `json:"session_id,omitempty"`
	Turns     []transcript.Turn `json:"turns"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Start(r.Context())
	if err != nil {
		code := StatusCode(err)
		observe.Logger(r.Context()).Warn("api: start session", "err", err, "status", code)
		writeJSON(w, code, errorBody{Error: err.Error(), Status: &st})
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) turns(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	turns, err := s.ctrl.Turns(r.Context(), id)
	if err != nil {
		writeJSON(w, StatusCode(err), errorBody{Error: err.Error()})
		return
	}
	if id == "" {
		id = s.ctrl.Status().SessionID
	}
	if turns == nil {
		turns = []transcript.Turn{}
	}
	writeJSON(w, http.StatusOK, turnsBody{SessionID: id, Turns: turns})
}

// events streams notices until the client goes away or the controller
// closes. The first message is the current status.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		// Accept already wrote the error response.
		slog.Debug("api: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	notices, cancel := s.ctrl.Subscribe()
	defer cancel()

	// CloseRead discards client messages and cancels ctx when the peer
	// disconnects.
	ctx := conn.CloseRead(r.Context())

	st := s.ctrl.Status()
	if err := write(ctx, conn, voice.Notice{
		Type:      voice.NoticeState,
		SessionID: st.SessionID,
		State:     st.State,
		Error:     st.LastError,
		Time:      time.Now().UTC(),
	}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := write(ctx, conn, n); err != nil {
				slog.Debug("api: event write", "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, n voice.Notice) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, n)
}

// StatusCode maps a controller error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, voice.ErrActive), errors.Is(err, voice.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, audio.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, voice.ErrOpenTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, live.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, live.ErrOpen), errors.Is(err, live.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, voice.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, voice.ErrClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response", "err", err)
	}
}
