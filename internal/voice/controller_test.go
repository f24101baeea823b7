package voice_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/voice"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/live"
	livemock "github.com/MrWong99/parley/pkg/provider/live/mock"
)

const pcmType = "audio/pcm;rate=24000"

// frozenClock is a playback clock that never advances, so every scheduled
// unit is written to the sink immediately.
type frozenClock struct{}

func (frozenClock) Now() time.Duration { return 0 }

type fixture struct {
	ctrl     *voice.Controller
	provider *livemock.Provider
	session  *livemock.Session
	capture  *audiomock.Capture
	sink     *audiomock.Sink
	reader   *sdkmetric.ManualReader
	store    *history.MemStore
}

type fixtureOption func(*voice.Config, *fixture)

func withOpenTimeout(d time.Duration) fixtureOption {
	return func(c *voice.Config, _ *fixture) { c.OpenTimeout = d }
}

func withStore() fixtureOption {
	return func(c *voice.Config, f *fixture) {
		f.store = history.NewMemStore()
		c.Store = f.store
	}
}

func newFixture(t *testing.T, autoOpen bool, opts ...fixtureOption) *fixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		session: livemock.NewSession(),
		capture: &audiomock.Capture{},
		sink:    audiomock.NewSink(audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1}),
		reader:  reader,
	}
	f.provider = &livemock.Provider{Session: f.session, AutoOpen: autoOpen}

	cfg := voice.Config{
		Provider:   f.provider,
		NewCapture: func() (audio.Capture, error) { return f.capture, nil },
		NewSink:    func() (audio.Sink, error) { return f.sink, nil },
		Session: live.SessionConfig{
			InputTranscription:  true,
			OutputTranscription: true,
		},
		OpenTimeout: 5 * time.Second,
		NewClock:    func() playback.Clock { return frozenClock{} },
		Metrics:     m,
	}
	for _, o := range opts {
		o(&cfg, f)
	}
	f.ctrl = voice.New(cfg)
	t.Cleanup(func() { _ = f.ctrl.Close() })
	return f
}

func (f *fixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			var total int64
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func block(n int) audio.SampleBlock {
	return audio.SampleBlock{Samples: make([]float32, n), SampleRate: audio.InputSampleRate, Channels: 1}
}

func pcm(d time.Duration) []byte {
	return make([]byte, int(d*audio.OutputSampleRate/time.Second)*2)
}

func (f *fixture) assertReleased(t *testing.T) {
	t.Helper()
	if f.ctrl.Active() {
		t.Error("controller still active")
	}
	if f.capture.Started() {
		t.Error("capture still delivering blocks")
	}
	if f.capture.Opened() {
		t.Error("capture device still held")
	}
	if s := f.session.State(); s != live.StateClosed && s != live.StateIdle && s != live.StateErrored {
		t.Errorf("session state = %v, want closed", s)
	}
	if got := f.ctrl.Status().State; got != voice.StateInactive {
		t.Errorf("Status().State = %q, want inactive", got)
	}
}

// ─── Start ───────────────────────────────────────────────────────────────────

func TestStart_PermissionDeniedNeverConnects(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.capture.OpenErr = errors.Join(audio.ErrPermission, errors.New("NotAllowedError"))

	_, err := f.ctrl.Start(context.Background())
	if !errors.Is(err, audio.ErrPermission) {
		t.Fatalf("Start err = %v, want ErrPermission", err)
	}
	if n := f.provider.Calls(); n != 0 {
		t.Errorf("Connect calls = %d, want 0", n)
	}
	f.assertReleased(t)
	if f.ctrl.Status().LastError == "" {
		t.Error("LastError not recorded")
	}
	if got := f.counter(t, "parley.session.errors"); got != 1 {
		t.Errorf("session errors = %d, want 1", got)
	}
}

func TestStart_OpensSessionThenStartsCapture(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)

	st, err := f.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.State != voice.StateActive || st.SessionID == "" {
		t.Errorf("status = %+v, want active with session id", st)
	}
	if !f.capture.Started() {
		t.Error("capture not started after open")
	}
	calls := f.provider.ConnectCalls
	if len(calls) != 1 || !calls[0].Cfg.InputTranscription || !calls[0].Cfg.OutputTranscription {
		t.Errorf("connect calls = %+v, want one with transcription enabled", calls)
	}
	if got := f.counter(t, "parley.sessions.active"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestStart_RejectsSecondSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.ctrl.Start(context.Background()); !errors.Is(err, voice.ErrActive) {
		t.Errorf("second Start err = %v, want ErrActive", err)
	}
	if n := f.provider.Calls(); n != 1 {
		t.Errorf("Connect calls = %d, want 1", n)
	}
}

func TestStart_AuthFailureTearsDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.provider.ConnectErr = &live.Error{Op: "connect", Code: 401, Status: "UNAUTHENTICATED", Auth: true}

	_, err := f.ctrl.Start(context.Background())
	if !errors.Is(err, live.ErrAuth) || !errors.Is(err, live.ErrOpen) {
		t.Fatalf("Start err = %v, want ErrAuth and ErrOpen", err)
	}
	f.assertReleased(t)
	if f.capture.CallCount("Start") != 0 {
		t.Error("capture was started despite the failed open")
	}
	if !f.sink.Closed() {
		t.Error("sink not closed")
	}
}

func TestStart_OpenTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, withOpenTimeout(30*time.Millisecond))

	_, err := f.ctrl.Start(context.Background())
	if !errors.Is(err, voice.ErrOpenTimeout) || !errors.Is(err, live.ErrOpen) {
		t.Fatalf("Start err = %v, want ErrOpenTimeout and ErrOpen", err)
	}
	f.assertReleased(t)
	if f.session.Closes() == 0 {
		t.Error("session not closed after timeout")
	}
}

func TestStart_ErrorBeforeOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	go func() {
		for f.session.State() != live.StateOpening {
			time.Sleep(time.Millisecond)
		}
		f.session.Fail(&live.Error{Op: "setup", Code: 403, Status: "PERMISSION_DENIED", Auth: true})
	}()

	_, err := f.ctrl.Start(context.Background())
	if !errors.Is(err, live.ErrAuth) {
		t.Fatalf("Start err = %v, want ErrAuth", err)
	}
	f.assertReleased(t)
	if f.capture.CallCount("Start") != 0 {
		t.Error("capture started before open")
	}
}

// ─── Conversation ────────────────────────────────────────────────────────────

func TestConversation_SingleTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, withStore())
	notices, cancel := f.ctrl.Subscribe()
	defer cancel()

	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Microphone frames flow to the session as PCM16 chunks.
	for range 2 {
		if !f.capture.Emit(block(1600)) {
			t.Fatal("capture not delivering")
		}
	}
	sent := f.session.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent chunks = %d, want 2", len(sent))
	}
	if sent[0].MIMEType != "audio/pcm;rate=16000" || len(sent[0].Data) != 3200 {
		t.Errorf("chunk = %s/%d bytes, want audio/pcm;rate=16000/3200", sent[0].MIMEType, len(sent[0].Data))
	}

	f.session.Push(live.UserTextEvent{Text: "Hel"})
	f.session.Push(live.UserTextEvent{Text: "lo"})
	f.session.Push(live.ModelTextEvent{Text: "Hi "})
	for range 3 {
		f.session.Push(live.AudioEvent{Data: pcm(20 * time.Millisecond), MIMEType: pcmType})
	}
	f.session.Push(live.ModelTextEvent{Text: "there"})
	f.session.Push(live.TurnCompleteEvent{})

	waitFor(t, "turn", func() bool { return len(f.ctrl.History()) == 1 })
	turn := f.ctrl.History()[0]
	if turn.User != "Hello" || turn.Model != "Hi there" {
		t.Errorf("turn = %+v, want Hello / Hi there", turn)
	}
	if cur := f.ctrl.Current(); !cur.Empty() {
		t.Errorf("current turn = %+v, want empty", cur)
	}
	waitFor(t, "playback", func() bool { return len(f.sink.Frames()) == 3 })

	sessionID := f.ctrl.Status().SessionID
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f.assertReleased(t)
	if !f.sink.Closed() {
		t.Error("sink not closed")
	}

	stored, err := f.store.Turns(context.Background(), sessionID)
	if err != nil || len(stored) != 1 || stored[0].User != "Hello" {
		t.Errorf("stored turns = %+v, %v; want the finalised turn", stored, err)
	}
	if got := f.counter(t, "parley.turns"); got != 1 {
		t.Errorf("turns metric = %d, want 1", got)
	}
	if got := f.counter(t, "parley.audio.chunks_received"); got != 3 {
		t.Errorf("chunks received = %d, want 3", got)
	}

	var sawTurn bool
	for _, n := range drain(notices) {
		if n.Type == voice.NoticeTurn && n.Turn != nil && n.Turn.Model == "Hi there" {
			sawTurn = true
		}
		if n.SessionID != sessionID {
			t.Errorf("notice %s for session %q, want %q", n.Type, n.SessionID, sessionID)
		}
	}
	if !sawTurn {
		t.Error("no turn notice published")
	}
}

// drain collects the notices already queued on ch.
func drain(ch <-chan voice.Notice) []voice.Notice {
	var out []voice.Notice
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestConversation_EmptyTurnThenFreshTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.session.Push(live.TurnCompleteEvent{})
	f.session.Push(live.UserTextEvent{Text: "again"})
	f.session.Push(live.TurnCompleteEvent{})

	waitFor(t, "two turns", func() bool { return len(f.ctrl.History()) == 2 })
	h := f.ctrl.History()
	if !h[0].Empty() {
		t.Errorf("first turn = %+v, want empty", h[0])
	}
	if h[1].User != "again" || h[1].Model != "" {
		t.Errorf("second turn = %+v, want user=again", h[1])
	}
}

func TestConversation_DecodeErrorsAreDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.session.Push(live.AudioEvent{Err: audio.ErrDecode})
	f.session.Push(live.AudioEvent{Data: []byte{1, 2, 3}, MIMEType: pcmType})
	f.session.Push(live.AudioEvent{Data: pcm(10 * time.Millisecond), MIMEType: pcmType})

	waitFor(t, "valid chunk played", func() bool { return len(f.sink.Frames()) == 1 })
	if got := f.counter(t, "parley.audio.decode_errors"); got != 2 {
		t.Errorf("decode errors = %d, want 2", got)
	}
	if !f.ctrl.Active() {
		t.Error("decode errors ended the session")
	}
}

func TestConversation_InterruptFlushesPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	notices, cancel := f.ctrl.Subscribe()
	defer cancel()
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.session.Push(live.InterruptedEvent{})
	waitFor(t, "interrupt notice", func() bool {
		select {
		case n := <-notices:
			return n.Type == voice.NoticeInterrupted
		default:
			return false
		}
	})
}

// ─── Stop ────────────────────────────────────────────────────────────────────

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop without session: %v", err)
	}
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.ctrl.Stop(context.Background()); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	f.assertReleased(t)
	if n := f.capture.CallCount("Close"); n != 1 {
		t.Errorf("capture Close calls = %d, want 1", n)
	}
	if got := f.counter(t, "parley.sessions.active"); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestStop_BeforeOpenCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	errc := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Start(context.Background())
		errc <- err
	}()

	waitFor(t, "connect", func() bool { return f.provider.Calls() == 1 })
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := <-errc; !errors.Is(err, voice.ErrStopped) {
		t.Fatalf("Start err = %v, want ErrStopped", err)
	}
	f.assertReleased(t)
	if f.capture.CallCount("Start") != 0 {
		t.Error("capture started")
	}
	if f.ctrl.Status().LastError != "" {
		t.Errorf("LastError = %q, want none for a user stop", f.ctrl.Status().LastError)
	}
}

func TestStop_DuringConnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.provider.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Start(context.Background())
		errc <- err
	}()

	waitFor(t, "connect", func() bool { return f.provider.Calls() == 1 })
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errc; !errors.Is(err, voice.ErrStopped) {
		t.Fatalf("Start err = %v, want ErrStopped", err)
	}
	f.assertReleased(t)
}

func TestStop_SendAfterStopIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if f.capture.Emit(block(1600)) {
		t.Error("capture still delivered after Stop")
	}
	if err := f.session.Send(audio.EncodedChunk{Data: []byte{0, 0}, MIMEType: "audio/pcm;rate=16000"}); err != nil {
		t.Errorf("Send after Stop: %v", err)
	}
	if n := len(f.session.Sent()); n != 0 {
		t.Errorf("sent chunks = %d, want 0", n)
	}
}

func TestStop_UnfinishedTurnIsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.session.Push(live.UserTextEvent{Text: "half a sent"})
	waitFor(t, "fragment", func() bool { return f.ctrl.Current().User != "" })

	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h := f.ctrl.History(); len(h) != 0 {
		t.Errorf("history = %+v, want no turns", h)
	}
	if cur := f.ctrl.Current(); !cur.Empty() {
		t.Errorf("current = %+v, want empty", cur)
	}
}

func TestSessionError_RunsStopProcedure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.session.Fail(&live.Error{Op: "receive", Err: errors.New("connection reset")})

	waitFor(t, "teardown", func() bool { return !f.ctrl.Active() })
	f.assertReleased(t)
	if got := f.ctrl.Status().LastError; got == "" {
		t.Error("LastError not recorded")
	}
	if got := f.counter(t, "parley.session.errors"); got != 1 {
		t.Errorf("session errors = %d, want 1", got)
	}

	// The controller accepts a new session afterwards.
	f.provider.Session = livemock.NewSession()
	f.session = f.provider.Session
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestRemoteClose_EndsWithoutError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.session.RemoteClose(1000, "bye")
	waitFor(t, "teardown", func() bool { return !f.ctrl.Active() })
	f.assertReleased(t)
	if got := f.ctrl.Status().LastError; got != "" {
		t.Errorf("LastError = %q, want none", got)
	}
}

// ─── Turns ───────────────────────────────────────────────────────────────────

func TestTurns_FromStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, withStore())
	ctx := context.Background()

	if _, err := f.ctrl.Turns(ctx, "no-such-session"); !errors.Is(err, voice.ErrUnknownSession) {
		t.Errorf("Turns(unknown) err = %v, want ErrUnknownSession", err)
	}

	if _, err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := f.ctrl.Status().SessionID
	f.session.Push(live.ModelTextEvent{Text: "one"})
	f.session.Push(live.TurnCompleteEvent{})
	waitFor(t, "turn", func() bool { return len(f.ctrl.History()) == 1 })
	if err := f.ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	f.provider.Session = livemock.NewSession()
	f.session = f.provider.Session
	if _, err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	turns, err := f.ctrl.Turns(ctx, first)
	if err != nil {
		t.Fatalf("Turns(first): %v", err)
	}
	if len(turns) != 1 || turns[0].Model != "one" {
		t.Errorf("Turns(first) = %+v, want the stored turn", turns)
	}
	current, err := f.ctrl.Turns(ctx, "")
	if err != nil || len(current) != 0 {
		t.Errorf("Turns(current) = %+v, %v; want empty", current, err)
	}
}

func TestClose_RejectsStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	notices, _ := f.ctrl.Subscribe()
	if err := f.ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.ctrl.Start(context.Background()); !errors.Is(err, voice.ErrClosed) {
		t.Errorf("Start after Close err = %v, want ErrClosed", err)
	}
	if _, ok := <-notices; ok {
		t.Error("subscription still open after Close")
	}
}

func TestSetSession_AppliesToNextSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.ctrl.SetSession(live.SessionConfig{Voice: "Puck", Instructions: "be brief"})
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	calls := f.provider.ConnectCalls
	if len(calls) != 1 || calls[0].Cfg.Voice != "Puck" || calls[0].Cfg.Instructions != "be brief" {
		t.Errorf("connect config = %+v, want the replaced session settings", calls)
	}
}

func TestReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if err := f.ctrl.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	_ = f.ctrl.Close()
	if err := f.ctrl.Ready(context.Background()); !errors.Is(err, voice.ErrClosed) {
		t.Errorf("Ready after Close = %v, want ErrClosed", err)
	}
}
