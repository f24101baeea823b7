// Package voice runs one live voice conversation at a time.
//
// A [Controller] owns every audio resource of a session: the microphone
// capture, the outbound encoder stage, the live session, the playback
// scheduler with its sink, and the transcript aggregator. They are created by
// [Controller.Start] and released by [Controller.Stop] in a fixed order, no
// matter whether the stop was requested by the user, triggered by a session
// error, or caused by a failed start.
//
// Inbound session events are consumed by a single dispatcher goroutine per
// session, so transcript aggregation and playback scheduling never race.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/live"
)

var (
	// ErrActive is returned by Start while another session is starting or
	// running.
	ErrActive = errors.New("voice: a session is already active")

	// ErrStopped is returned by Start when Stop was called before the session
	// finished opening.
	ErrStopped = errors.New("voice: session stopped before it opened")

	// ErrOpenTimeout is wrapped (together with [live.ErrOpen]) when the model
	// did not acknowledge the session within the open timeout.
	ErrOpenTimeout = errors.New("voice: session open timed out")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("voice: controller closed")

	// ErrUnknownSession is returned by Turns for a session ID that is neither
	// in memory nor in the history store.
	ErrUnknownSession = errors.New("voice: unknown session")
)

// State is the controller's lifecycle state.
type State string

const (
	StateInactive State = "inactive"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

// CaptureFactory creates a new, unopened capture device.
type CaptureFactory func() (audio.Capture, error)

// SinkFactory creates a playback sink.
type SinkFactory func() (audio.Sink, error)

// Config holds the dependencies of a [Controller].
type Config struct {
	// Provider opens live sessions. Required.
	Provider live.Provider

	// NewCapture creates the microphone for each session. Required.
	NewCapture CaptureFactory

	// NewSink creates the playback sink for each session. Required.
	NewSink SinkFactory

	// Session is the open request sent for every session.
	Session live.SessionConfig

	// OpenTimeout bounds Connect plus the wait for the model's setup
	// acknowledgement. Zero disables the bound.
	OpenTimeout time.Duration

	// Lead is the playback scheduler's write-ahead. Zero selects
	// [playback.DefaultLead].
	Lead time.Duration

	// NewClock creates the playback clock for each session. Nil selects the
	// wall clock.
	NewClock func() playback.Clock

	// Store persists finalised turns. Optional.
	Store history.Store

	// MaxTurns caps the in-memory turn history per session. Zero is unbounded.
	MaxTurns int

	// Metrics receives the session instruments. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Status is a snapshot of the controller.
type Status struct {
	State     State     `json:"state"`
	Provider  string    `json:"provider"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Turns     int       `json:"turns"`
	Dropped   int64     `json:"dropped_chunks"`
	LastError string    `json:"last_error,omitempty"`
}

// Controller manages the lifecycle of live voice sessions. Only one session
// can be active at a time. All exported methods are safe for concurrent use.
type Controller struct {
	cfg     Config
	metrics *observe.Metrics
	hub     *hub

	mu      sync.Mutex
	state   State
	cur     *run // starting, active or stopping session
	last    *run // most recently finished session
	lastErr error
	closed  bool
}

// New creates an inactive Controller.
func New(cfg Config) *Controller {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if cfg.NewClock == nil {
		cfg.NewClock = playback.NewWallClock
	}
	if cfg.Lead == 0 {
		cfg.Lead = playback.DefaultLead
	}
	return &Controller{
		cfg:     cfg,
		metrics: m,
		hub:     newHub(),
		state:   StateInactive,
	}
}

// run holds the resources of one session. Fields set during start are only
// read by teardown after start has finished or from the goroutine that set
// them.
type run struct {
	id        string
	log       *slog.Logger
	startedAt time.Time

	ctx      context.Context // ended by Stop
	cancel   context.CancelFunc
	traceCtx context.Context
	span     trace.Span

	capture audio.Capture
	sink    audio.Sink
	clock   playback.Clock
	sched   *playback.Scheduler
	sess    live.SessionHandle
	agg     *transcript.Aggregator
	rec     *history.Recorder

	pumping      atomic.Bool
	opened       chan struct{}
	openOnce     sync.Once
	dispatchDone chan struct{} // nil until the dispatcher runs
	startDone    chan struct{}

	mu   sync.Mutex
	torn bool
	err  error

	stopOnce sync.Once
	stopped  chan struct{}

	active bool // counted in ActiveSessions; guarded by Controller.mu
}

func (r *run) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *run) getErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// errOr returns the recorded session error or fallback.
func (r *run) errOr(fallback error) error {
	if err := r.getErr(); err != nil {
		return err
	}
	return fallback
}

func (c *Controller) newRun() *run {
	id := uuid.NewString()
	provider := c.cfg.Provider.Name()

	traceCtx, span := observe.StartSpan(context.Background(), "voice.session",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("provider", provider),
		),
	)
	ctx, cancel := context.WithCancel(context.Background())

	r := &run{
		id:        id,
		log:       observe.LoggerFrom(traceCtx, slog.Default()).With("session_id", id, "provider", provider),
		startedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		traceCtx:  traceCtx,
		span:      span,
		opened:    make(chan struct{}),
		startDone: make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	if c.cfg.Store != nil {
		r.rec = history.NewRecorder(c.cfg.Store, id)
	}
	r.agg = transcript.New(
		transcript.WithMaxTurns(c.cfg.MaxTurns),
		transcript.WithOnTurn(c.onTurn(r)),
	)
	return r
}

// Start opens the microphone, connects a live session and, once the model
// acknowledged the setup, starts streaming microphone audio.
//
// A denied microphone returns an error wrapping [audio.ErrPermission] without
// ever connecting. Session failures wrap [live.ErrOpen] and, for rejected
// credentials, [live.ErrAuth]. Every failure leaves the controller inactive
// with all resources released.
func (c *Controller) Start(ctx context.Context) (Status, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Status{}, ErrClosed
	}
	if c.cur != nil {
		id := c.cur.id
		c.mu.Unlock()
		return c.Status(), fmt.Errorf("%w (id=%s)", ErrActive, id)
	}
	r := c.newRun()
	c.cur = r
	c.state = StateStarting
	c.mu.Unlock()
	c.publishState(r, StateStarting)

	err := c.start(ctx, r)
	close(r.startDone)
	if err != nil {
		if !errors.Is(err, ErrStopped) {
			r.setErr(err)
			c.metrics.RecordSessionError(r.traceCtx, c.cfg.Provider.Name(), errorKind(err))
		}
		c.teardown(r)
		return c.Status(), err
	}

	r.log.Info("session started")
	return c.Status(), nil
}

// start performs the fallible part of Start. Resources are attached to r as
// soon as they exist so that teardown releases exactly what was created.
func (c *Controller) start(ctx context.Context, r *run) error {
	// Abort on either the caller's ctx or Stop.
	startCtx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	stopAfter := context.AfterFunc(ctx, cancel)
	defer stopAfter()

	capture, err := c.cfg.NewCapture()
	if err != nil {
		return fmt.Errorf("voice: create capture: %w", err)
	}
	r.capture = capture
	if err := capture.Open(startCtx); err != nil {
		if cerr := c.ctxErr(ctx, r); cerr != nil {
			return cerr
		}
		return fmt.Errorf("voice: open capture: %w", err)
	}

	sink, err := c.cfg.NewSink()
	if err != nil {
		return fmt.Errorf("voice: create sink: %w", err)
	}
	r.sink = sink
	r.clock = c.cfg.NewClock()
	r.sched = playback.New(sink, playback.WithClock(r.clock), playback.WithLead(c.cfg.Lead))

	c.mu.Lock()
	sessCfg, openTimeout := c.cfg.Session, c.cfg.OpenTimeout
	c.mu.Unlock()

	openCtx, cancelOpen := startCtx, context.CancelFunc(func() {})
	if openTimeout > 0 {
		openCtx, cancelOpen = context.WithTimeout(startCtx, openTimeout)
	}
	defer cancelOpen()

	openStart := time.Now()
	sess, err := c.cfg.Provider.Connect(openCtx, sessCfg)
	if err != nil {
		if cerr := c.openCtxErr(ctx, r, openCtx, openTimeout); cerr != nil {
			return cerr
		}
		return fmt.Errorf("voice: connect: %w", err)
	}
	r.sess = sess
	r.dispatchDone = make(chan struct{})
	go c.dispatch(r)

	select {
	case <-r.opened:
	case <-r.dispatchDone:
		return fmt.Errorf("voice: open: %w", r.errOr(&live.Error{Op: "setup", Err: errors.New("session closed before it opened")}))
	case <-openCtx.Done():
		return c.openCtxErr(ctx, r, openCtx, openTimeout)
	}
	c.metrics.RecordSessionOpen(r.traceCtx, c.cfg.Provider.Name(), time.Since(openStart).Seconds())

	r.mu.Lock()
	if r.torn {
		r.mu.Unlock()
		return r.errOr(ErrStopped)
	}
	r.pumping.Store(true)
	if err := r.capture.Start(c.pump(r)); err != nil {
		r.pumping.Store(false)
		r.mu.Unlock()
		return fmt.Errorf("voice: start capture: %w", err)
	}
	r.mu.Unlock()

	c.mu.Lock()
	if c.cur != r || c.state != StateStarting {
		c.mu.Unlock()
		return r.errOr(ErrStopped)
	}
	c.state = StateActive
	r.active = true
	c.metrics.ActiveSessions.Add(r.traceCtx, 1)
	c.mu.Unlock()

	c.publishState(r, StateActive)
	return nil
}

// ctxErr reports why start was aborted, or nil if it was not.
func (c *Controller) ctxErr(ctx context.Context, r *run) error {
	switch {
	case r.ctx.Err() != nil:
		return ErrStopped
	case ctx.Err() != nil:
		return fmt.Errorf("voice: start: %w", ctx.Err())
	}
	return nil
}

// openCtxErr is like ctxErr but also maps an expired open timeout.
func (c *Controller) openCtxErr(ctx context.Context, r *run, openCtx context.Context, timeout time.Duration) error {
	if err := c.ctxErr(ctx, r); err != nil {
		return err
	}
	if errors.Is(openCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("voice: open after %s: %w", timeout, &live.Error{Op: "setup", Err: ErrOpenTimeout})
	}
	return nil
}

// pump is the outbound stage: capture block → PCM16 chunk → Send. It runs on
// the capture backend's goroutine and never blocks.
func (c *Controller) pump(r *run) func(audio.SampleBlock) {
	return func(b audio.SampleBlock) {
		if !r.pumping.Load() {
			return
		}
		c.metrics.BlocksCaptured.Add(r.traceCtx, 1)

		frame := audio.EncodeBlock(b)
		if len(frame.Data) == 0 {
			return
		}
		if err := r.sess.Send(audio.NewEncodedChunk(frame)); err != nil {
			r.log.Debug("send failed", "err", err)
			return
		}
		c.metrics.ChunksSent.Add(r.traceCtx, 1)
	}
}

// dispatch consumes the session's events in arrival order. It ends on an
// error, a close or the end of the stream and then runs the stop procedure.
func (c *Controller) dispatch(r *run) {
	defer func() {
		close(r.dispatchDone)
		c.teardown(r)
	}()

	for ev := range r.sess.Events() {
		switch ev := ev.(type) {
		case live.OpenEvent:
			r.openOnce.Do(func() { close(r.opened) })

		case live.UserTextEvent:
			r.agg.AppendUser(ev.Text)
			c.publish(r, Notice{Type: NoticeUserText, Text: ev.Text})

		case live.ModelTextEvent:
			r.agg.AppendModel(ev.Text)
			c.publish(r, Notice{Type: NoticeModelText, Text: ev.Text})

		case live.TurnCompleteEvent:
			r.agg.Complete()

		case live.AudioEvent:
			c.playAudio(r, ev)

		case live.InterruptedEvent:
			n := r.sched.Flush()
			r.log.Debug("model interrupted, playback flushed", "discarded", n)
			c.publish(r, Notice{Type: NoticeInterrupted})

		case live.ErrorEvent:
			r.setErr(ev.Err)
			if !r.isStarting() {
				c.metrics.RecordSessionError(r.traceCtx, c.cfg.Provider.Name(), errorKind(ev.Err))
			}
			r.log.Warn("session error", "err", ev.Err)
			return

		case live.CloseEvent:
			if r.ctx.Err() == nil {
				r.log.Info("session closed by remote", "code", ev.Code, "reason", ev.Reason)
			}
			return
		}
	}
}

// isStarting reports whether Start is still running; Start records its own
// failure metric.
func (r *run) isStarting() bool {
	select {
	case <-r.startDone:
		return false
	default:
		return true
	}
}

func (c *Controller) playAudio(r *run, ev live.AudioEvent) {
	c.metrics.ChunksReceived.Add(r.traceCtx, 1)
	if ev.Err != nil {
		c.decodeError(r, ev.Err)
		return
	}

	now := r.clock.Now()
	u, err := r.sched.Schedule(ev.Data, ev.MIMEType)
	switch {
	case err == nil:
		c.metrics.PlaybackLag.Record(r.traceCtx, (u.Start - now).Seconds())
	case errors.Is(err, audio.ErrDecode):
		c.decodeError(r, err)
	case errors.Is(err, playback.ErrClosed):
	default:
		r.log.Warn("schedule audio failed", "err", err)
	}
}

func (c *Controller) decodeError(r *run, err error) {
	c.metrics.DecodeErrors.Add(r.traceCtx, 1)
	r.log.Debug("dropping undecodable audio chunk", "err", err)
}

func (c *Controller) onTurn(r *run) func(transcript.Turn) {
	return func(t transcript.Turn) {
		c.metrics.Turns.Add(r.traceCtx, 1)
		if r.rec != nil {
			r.rec.Record(t)
		}
		c.publish(r, Notice{Type: NoticeTurn, Turn: &t})
	}
}

// teardown is the stop procedure. The first caller releases the resources in
// order; later callers wait until it is done.
func (c *Controller) teardown(r *run) {
	first := false
	r.stopOnce.Do(func() { first = true })
	if !first {
		<-r.stopped
		return
	}
	defer close(r.stopped)

	r.cancel()
	r.mu.Lock()
	r.torn = true
	r.mu.Unlock()

	c.mu.Lock()
	if c.cur == r {
		c.state = StateStopping
	}
	c.mu.Unlock()
	c.publishState(r, StateStopping)

	// 1. Close the session and let the dispatcher drain.
	if r.sess != nil {
		if err := r.sess.Close(); err != nil {
			r.log.Warn("session close error", "err", err)
		}
		if r.dispatchDone != nil {
			<-r.dispatchDone
		}
	}

	// 2. Discard the encoder stage: no block reaches Send from here on.
	r.pumping.Store(false)

	// 3. Disconnect the source.
	if r.capture != nil {
		if err := r.capture.Stop(); err != nil {
			r.log.Warn("capture stop error", "err", err)
		}
	}

	// 4. Release the hardware stream.
	if r.capture != nil {
		if err := r.capture.Close(); err != nil {
			r.log.Warn("capture close error", "err", err)
		}
	}

	// 5. Stop playback.
	if r.sched != nil {
		_ = r.sched.Close()
	}
	if r.sink != nil {
		if err := r.sink.Close(); err != nil {
			r.log.Warn("sink close error", "err", err)
		}
	}
	if r.rec != nil {
		r.rec.Close()
	}

	// 6. Drop the unfinished turn, then go inactive.
	r.agg.Reset()

	if r.sess != nil {
		if n := r.sess.Dropped(); n > 0 {
			c.metrics.ChunksDropped.Add(r.traceCtx, n)
			r.log.Warn("outbound chunks dropped on a full queue", "count", n)
		}
	}

	err := r.getErr()
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.End()

	c.mu.Lock()
	if r.active {
		c.metrics.ActiveSessions.Add(r.traceCtx, -1)
		r.active = false
	}
	if c.cur == r {
		c.cur = nil
		c.state = StateInactive
		c.last = r
		c.lastErr = err
	}
	c.mu.Unlock()

	if err != nil {
		c.publish(r, Notice{Type: NoticeError, Error: err.Error()})
	}
	c.publishState(r, StateInactive)
	r.log.Info("session stopped", "turns", len(r.agg.History()), "err", err)
}

// Stop ends the current session, including one that is still opening.
// It is idempotent and returns once all resources are released or ctx ends,
// whichever is first; the release continues in the background.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.cancel()
		<-r.startDone
		c.teardown(r)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSession replaces the open request used by later sessions. A running
// session keeps its settings.
func (c *Controller) SetSession(cfg live.SessionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Session = cfg
}

// SetOpenTimeout changes the open bound of later sessions. Zero disables it.
func (c *Controller) SetOpenTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.OpenTimeout = d
}

// Close stops the current session and ends all subscriptions. Start fails
// with [ErrClosed] afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.Stop(context.Background())
	c.hub.close()
	return err
}

// Status returns a snapshot of the controller. When no session runs, the
// session fields describe the last one.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state, Provider: c.cfg.Provider.Name()}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	r := c.cur
	if r == nil {
		r = c.last
	}
	if r != nil {
		st.SessionID = r.id
		st.StartedAt = r.startedAt
		st.Turns = len(r.agg.History())
		if c.cur == nil && r.sess != nil {
			st.Dropped = r.sess.Dropped()
		}
	}
	if c.cur != nil && c.state == StateActive && c.cur.sess != nil {
		st.Dropped = c.cur.sess.Dropped()
	}
	return st
}

// Ready returns [ErrClosed] once the controller has been closed.
func (c *Controller) Ready(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Active reports whether a session is starting or running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// History returns the finalised turns of the current or last session.
func (c *Controller) History() []transcript.Turn {
	if r := c.latest(); r != nil {
		return r.agg.History()
	}
	return nil
}

// Current returns the open turn of the current session.
func (c *Controller) Current() transcript.Turn {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return transcript.Turn{}
	}
	return r.agg.Current()
}

// Turns returns the finalised turns of sessionID. An empty ID selects the
// current or last session; other sessions are read from the history store.
func (c *Controller) Turns(ctx context.Context, sessionID string) ([]transcript.Turn, error) {
	if r := c.latest(); r != nil && (sessionID == "" || sessionID == r.id) {
		return r.agg.History(), nil
	}
	if sessionID == "" {
		return nil, nil
	}
	if c.cfg.Store == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	turns, err := c.cfg.Store.Turns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("voice: load turns: %w", err)
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return turns, nil
}

func (c *Controller) latest() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return c.cur
	}
	return c.last
}

// Subscribe returns a stream of notices and a func that ends the
// subscription. Slow subscribers miss notices rather than stall the session.
func (c *Controller) Subscribe() (<-chan Notice, func()) {
	return c.hub.subscribe()
}

func (c *Controller) publish(r *run, n Notice) {
	n.SessionID = r.id
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	c.hub.publish(n)
}

func (c *Controller) publishState(r *run, s State) {
	c.publish(r, Notice{Type: NoticeState, State: s})
}

// errorKind maps an error to the "kind" attribute of the session error metric.
func errorKind(err error) string {
	switch {
	case errors.Is(err, audio.ErrPermission):
		return "permission"
	case errors.Is(err, ErrOpenTimeout):
		return "timeout"
	case errors.Is(err, live.ErrAuth):
		return "auth"
	case errors.Is(err, live.ErrOpen):
		return "open"
	default:
		return "transport"
	}
}
