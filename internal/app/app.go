// Package app wires all Parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the live provider, the
// audio factories, the history store and the voice controller; Run serves the
// HTTP API (and optionally drives one session from the terminal) until ctx is
// cancelled; Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithProvider,
// WithCapture, WithStore, etc.). When an option is not provided, New creates
// real implementations from the config and registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/api"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/history/postgres"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/voice"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// serverShutdownTimeout bounds the HTTP server drain once Run's ctx ends.
const serverShutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	provider   live.Provider
	newCapture voice.CaptureFactory
	newSink    voice.SinkFactory
	store      history.Store
	metrics    *observe.Metrics
	logLevel   *slog.LevelVar
	promHandle http.Handler
	listener   net.Listener

	ctrl    *voice.Controller
	health  *health.Handler
	handler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a live provider instead of creating one from config.
func WithProvider(p live.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithCapture injects the capture factory instead of the registry's.
func WithCapture(f voice.CaptureFactory) Option {
	return func(a *App) { a.newCapture = f }
}

// WithSink injects the sink factory instead of the registry's.
func WithSink(f voice.SinkFactory) Option {
	return func(a *App) { a.newSink = f }
}

// WithStore injects a history store instead of creating one from config.
func WithStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level of the default logger so that config
// reloads can change it.
func WithLogLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = l }
}

// WithMetricsHandler replaces the Prometheus scrape handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHandle = h }
}

// WithListener serves the API on l instead of listening on
// cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Backends not injected
// through options are created from reg.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.promHandle == nil {
		a.promHandle = promhttp.Handler()
	}

	if err := a.initBackends(reg); err != nil {
		return nil, err
	}
	if err := a.initHistory(ctx); err != nil {
		return nil, err
	}

	a.ctrl = voice.New(voice.Config{
		Provider:    a.provider,
		NewCapture:  a.newCapture,
		NewSink:     a.newSink,
		Session:     cfg.Session.Live(cfg.Provider.Model),
		OpenTimeout: cfg.Session.Timeout(),
		Lead:        cfg.Audio.Playback.Lead,
		Store:       a.store,
		MaxTurns:    cfg.History.MaxTurns,
		Metrics:     a.metrics,
	})
	// Close the controller before the store it records into.
	a.closers = append([]func() error{a.ctrl.Close}, a.closers...)

	checkers := []health.Checker{{Name: "controller", Check: a.ctrl.Ready}}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "history", Check: p.Ping})
	}
	a.health = health.New(checkers...)

	a.handler = api.New(a.ctrl, api.Options{
		Metrics:        a.metrics,
		Health:         a.health,
		MetricsHandler: a.promHandle,
		MetricsPath:    cfg.Telemetry.MetricsPath,
	})
	return a, nil
}

func (a *App) initBackends(reg *config.Registry) error {
	var err error
	if a.provider == nil {
		if a.provider, err = reg.CreateLive(a.cfg.Provider); err != nil {
			return fmt.Errorf("app: create provider: %w", err)
		}
	}
	if a.newCapture == nil {
		if a.newCapture, err = reg.CaptureFor(a.cfg.Audio.Capture); err != nil {
			return fmt.Errorf("app: capture backend: %w", err)
		}
	}
	if a.newSink == nil {
		if a.newSink, err = reg.SinkFor(a.cfg.Audio.Playback); err != nil {
			return fmt.Errorf("app: playback backend: %w", err)
		}
	}
	return nil
}

func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.History.PostgresDSN == "" {
		a.store = history.NewMemStore()
		a.closers = append(a.closers, a.store.Close)
		return nil
	}
	store, err := postgres.NewStore(ctx, a.cfg.History.PostgresDSN)
	if err != nil {
		return fmt.Errorf("app: connect history store: %w", err)
	}
	// A database outage skips turns instead of holding each one for the
	// save timeout.
	a.store = history.NewGuardedStore(store, resilience.New(resilience.Config{Name: "history"}))
	a.closers = append(a.closers, a.store.Close)
	slog.Info("history store connected", "backend", "postgres")
	return nil
}

// Controller returns the voice controller.
func (a *App) Controller() *voice.Controller { return a.ctrl }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// RunOptions configures [App.Run].
type RunOptions struct {
	// StartSession opens a session as soon as Run starts and returns once it
	// ends. Finalised turns are printed to Out.
	StartSession bool
	Out          io.Writer
}

// Run serves the HTTP API and blocks until ctx is cancelled or, with
// StartSession, until the terminal session ends. A failed session start is
// returned as the error.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if a.listener != nil || a.cfg.Server.ListenAddr != "" {
		ln := a.listener
		if ln == nil {
			var err error
			if ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr); err != nil {
				return fmt.Errorf("app: listen: %w", err)
			}
		}
		srv := &http.Server{
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			slog.Info("http api listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			a.health.Drain()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if opts.StartSession {
		g.Go(func() error {
			defer cancel()
			return a.converse(gctx, opts.Out)
		})
	}

	return g.Wait()
}

// converse starts a session and prints its turns until the session ends or
// ctx is cancelled.
func (a *App) converse(ctx context.Context, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	notices, unsubscribe := a.ctrl.Subscribe()
	defer unsubscribe()

	st, err := a.ctrl.Start(ctx)
	if err != nil {
		if errors.Is(err, voice.ErrStopped) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("app: start session: %w", err)
	}
	slog.Info("session open, speak now", "session_id", st.SessionID)

	for {
		select {
		case <-ctx.Done():
			return a.ctrl.Stop(context.Background())
		case n, ok := <-notices:
			if !ok {
				return nil
			}
			if n.SessionID != st.SessionID {
				continue
			}
			switch n.Type {
			case voice.NoticeTurn:
				printTurn(out, n)
			case voice.NoticeError:
				return fmt.Errorf("app: session ended: %s", n.Error)
			case voice.NoticeState:
				if n.State == voice.StateInactive {
					return nil
				}
			}
		}
	}
}

func printTurn(out io.Writer, n voice.Notice) {
	if n.Turn == nil {
		return
	}
	if n.Turn.User != "" {
		fmt.Fprintf(out, "you:   %s\n", n.Turn.User)
	}
	if n.Turn.Model != "" {
		fmt.Fprintf(out, "model: %s\n", n.Turn.Model)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new: the log
// level and the settings of the next session. Other changes are logged.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.ctrl.SetSession(new.Session.Live(new.Provider.Model))
		a.ctrl.SetOpenTimeout(new.Session.Timeout())
		slog.Info("session settings changed, applying to the next session", "fields", d.SessionFields)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
}

// SlogLevel converts a config log level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: the controller first, then the
// history store. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.health.Drain()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
