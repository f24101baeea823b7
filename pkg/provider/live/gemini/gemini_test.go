package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
	"github.com/MrWong99/parley/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent waits for the next event on h.
func nextEvent(t *testing.T, h live.SessionHandle) live.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

// drain collects events until the channel closes.
func drain(t *testing.T, h live.SessionHandle) []live.Event {
	t.Helper()
	var out []live.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("timeout waiting for events channel to close")
		}
	}
}

// ── Setup ─────────────────────────────────────────────────────────────────────

func TestNew_DefaultValues(t *testing.T) {
	t.Parallel()
	p := gemini.New("my-key")
	if p == nil {
		t.Fatal("New returned nil")
	}
	if p.Name() != "gemini-live" {
		t.Errorf("Name() = %q, want gemini-live", p.Name())
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		if got := r.URL.Query().Get("key"); got != "test-api-key" {
			t.Errorf("key = %q, want test-api-key", got)
		}
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{
		Model:               "custom-model",
		Voice:               "Zephyr",
		Instructions:        "Be brief.",
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	var msg setupMsg
	select {
	case msg = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}

	s := msg.Setup
	if s.Model != "models/custom-model" {
		t.Errorf("model = %q, want models/custom-model", s.Model)
	}
	if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", s.GenerationConfig.ResponseModalities)
	}
	if s.GenerationConfig.SpeechConfig == nil || s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Zephyr" {
		t.Error("voice name not sent")
	}
	if s.SystemInstruction == nil || len(s.SystemInstruction.Parts) == 0 || s.SystemInstruction.Parts[0].Text != "Be brief." {
		t.Error("system instruction not sent")
	}
	if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
		t.Error("transcription flags not sent")
	}
}

func TestConnect_OmitsDisabledTranscription(t *testing.T) {
	t.Parallel()

	raw := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		raw <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	setup, _ := (<-raw)["setup"].(map[string]any)
	if _, ok := setup["inputAudioTranscription"]; ok {
		t.Error("inputAudioTranscription sent while disabled")
	}
	if m, _ := setup["model"].(string); !strings.HasPrefix(m, "models/") {
		t.Errorf("model = %q, want default with models/ prefix", m)
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestSession_OpensOnSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if got := handle.State(); got != live.StateOpening {
		t.Errorf("state before ack = %v, want opening", got)
	}
	close(release)

	if ev := nextEvent(t, handle); ev.Kind() != live.KindOpen {
		t.Fatalf("first event = %v, want open", ev.Kind())
	}
	if got := handle.State(); got != live.StateOpen {
		t.Errorf("state = %v, want open", got)
	}
}

func TestSend_OnlyWhileOpen(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	got := make(chan chunkMsg, 4)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Give the client time to try a send while still opening.
		time.Sleep(50 * time.Millisecond)
		sendSetupComplete(t, conn)
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			var msg chunkMsg
			if json.Unmarshal(data, &msg) == nil {
				got <- msg
			}
		}
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	early := audio.EncodedChunk{Data: []byte{9, 9}, MIMEType: "audio/pcm;rate=16000"}
	if err := handle.Send(early); err != nil {
		t.Fatalf("Send while opening: %v", err)
	}

	if ev := nextEvent(t, handle); ev.Kind() != live.KindOpen {
		t.Fatalf("first event = %v, want open", ev.Kind())
	}

	chunk := audio.EncodedChunk{Data: []byte{1, 2, 3, 4}, MIMEType: "audio/pcm;rate=16000"}
	if err := handle.Send(chunk); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-got:
		if len(msg.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("mediaChunks = %d, want 1", len(msg.RealtimeInput.MediaChunks))
		}
		mc := msg.RealtimeInput.MediaChunks[0]
		if mc.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", mc.MIMEType)
		}
		if want := base64.StdEncoding.EncodeToString(chunk.Data); mc.Data != want {
			t.Errorf("data = %q, want %q (the early chunk must not be sent)", mc.Data, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Send(chunk); err != nil {
		t.Errorf("Send after Close: %v, want nil", err)
	}
	select {
	case msg := <-got:
		t.Errorf("unexpected chunk after Close: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_ServerContentEvents(t *testing.T) {
	t.Parallel()

	pcm := []byte{0, 1, 0, 2}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "hello"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "hi there"},
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				}},
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     "!!not base64!!",
				}},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	want := []live.EventKind{
		live.KindOpen, live.KindUserText, live.KindModelText,
		live.KindAudio, live.KindAudio, live.KindInterrupted, live.KindTurnComplete,
	}
	events := make([]live.Event, 0, len(want))
	for range want {
		events = append(events, nextEvent(t, handle))
	}
	for i, ev := range events {
		if ev.Kind() != want[i] {
			t.Fatalf("event %d = %v, want %v", i, ev.Kind(), want[i])
		}
	}

	if ev := events[1].(live.UserTextEvent); ev.Text != "hello" {
		t.Errorf("user text = %q", ev.Text)
	}
	if ev := events[2].(live.ModelTextEvent); ev.Text != "hi there" {
		t.Errorf("model text = %q", ev.Text)
	}
	good := events[3].(live.AudioEvent)
	if good.Err != nil || string(good.Data) != string(pcm) || good.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("audio event = %+v", good)
	}
	bad := events[4].(live.AudioEvent)
	if !errors.Is(bad.Err, audio.ErrDecode) {
		t.Errorf("corrupt audio err = %v, want ErrDecode", bad.Err)
	}
	if handle.State() != live.StateOpen {
		t.Errorf("state = %v, want open after a decode error", handle.State())
	}
}

func TestClose_IdempotentAndEndsWithCloseEvent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextEvent(t, handle)

	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := handle.State(); got != live.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if handle.Err() != nil {
		t.Errorf("Err() = %v, want nil", handle.Err())
	}

	events := drain(t, handle)
	if len(events) == 0 || events[len(events)-1].Kind() != live.KindClose {
		t.Errorf("events = %v, want trailing close event", events)
	}
}

// ── Errors ────────────────────────────────────────────────────────────────────

func TestConnect_HandshakeAuthFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "API key not valid", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, live.ErrOpen) || !errors.Is(err, live.ErrAuth) {
		t.Errorf("err = %v, want ErrOpen and ErrAuth", err)
	}
	var le *live.Error
	if !errors.As(err, &le) || le.Code != http.StatusForbidden {
		t.Errorf("err = %#v, want live.Error with code 403", err)
	}
}

func TestConnect_DialFailureIsNotAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized-looking text", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if !errors.Is(err, live.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if errors.Is(err, live.ErrAuth) {
		t.Error("a 500 must not be classified as an auth failure")
	}
}

func TestSession_ServerErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		open     bool
		errBody  map[string]any
		wantAuth bool
		wantOpen bool
	}{
		{
			name:     "unauthenticated during setup",
			errBody:  map[string]any{"code": 401, "message": "bad key", "status": "UNAUTHENTICATED"},
			wantAuth: true,
			wantOpen: true,
		},
		{
			name:     "permission denied status only",
			open:     true,
			errBody:  map[string]any{"code": 0, "message": "nope", "status": "PERMISSION_DENIED"},
			wantAuth: true,
		},
		{
			name:    "internal error",
			open:    true,
			errBody: map[string]any{"code": 500, "message": "API key invalid", "status": "INTERNAL"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var raw map[string]any
				readJSON(t, conn, &raw)
				if tt.open {
					sendSetupComplete(t, conn)
				}
				writeJSON(t, conn, map[string]any{"error": tt.errBody})
				<-conn.CloseRead(context.Background()).Done()
			})

			handle, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer handle.Close()

			var errEv *live.ErrorEvent
			for _, ev := range drain(t, handle) {
				if e, ok := ev.(live.ErrorEvent); ok {
					errEv = &e
				}
			}
			if errEv == nil {
				t.Fatal("no error event")
			}
			if got := errors.Is(errEv.Err, live.ErrAuth); got != tt.wantAuth {
				t.Errorf("ErrAuth = %v, want %v (%v)", got, tt.wantAuth, errEv.Err)
			}
			if got := errors.Is(errEv.Err, live.ErrOpen); got != tt.wantOpen {
				t.Errorf("ErrOpen = %v, want %v", got, tt.wantOpen)
			}
			if !tt.wantOpen && !errors.Is(errEv.Err, live.ErrTransport) {
				t.Errorf("err = %v, want ErrTransport", errEv.Err)
			}
			if handle.State() != live.StateClosed {
				t.Errorf("state = %v, want closed", handle.State())
			}
			if !errors.Is(handle.Err(), errEv.Err) {
				t.Errorf("Err() = %v, want %v", handle.Err(), errEv.Err)
			}
		})
	}
}

func TestSession_PolicyViolationCloseIsAuth(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusPolicyViolation, "API key not valid")
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	events := drain(t, handle)
	var sawAuth bool
	var closeEv live.CloseEvent
	for _, ev := range events {
		switch e := ev.(type) {
		case live.ErrorEvent:
			sawAuth = errors.Is(e.Err, live.ErrAuth)
		case live.CloseEvent:
			closeEv = e
		}
	}
	if !sawAuth {
		t.Errorf("events = %v, want an auth error", events)
	}
	if closeEv.Code != int(websocket.StatusPolicyViolation) {
		t.Errorf("close code = %d, want %d", closeEv.Code, websocket.StatusPolicyViolation)
	}
}

func TestSession_RemoteNormalCloseAfterOpen(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	events := drain(t, handle)
	for _, ev := range events {
		if ev.Kind() == live.KindError {
			t.Errorf("unexpected error event: %v", ev)
		}
	}
	if last := events[len(events)-1]; last.Kind() != live.KindClose {
		t.Errorf("last event = %v, want close", last.Kind())
	}
	if handle.Err() != nil {
		t.Errorf("Err() = %v, want nil", handle.Err())
	}
}
