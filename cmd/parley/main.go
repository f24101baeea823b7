// Command parley runs a live voice conversation with a speech model: the
// microphone streams to the provider, the model's speech plays back, and both
// sides of the conversation are transcribed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	start := flag.Bool("start", false, "open a session immediately and print the transcript; exit when it ends")
	envFile := flag.String("env", ".env", "dotenv file with API keys (ignored when missing)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "parley: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watchPath, err := loadConfig(*configPath, flagSet("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger, closeLog := newLogger(cfg.Server.LogFile, level)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", watchPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		GoCollectors:   true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)
	for kind, names := range app.BuiltinBackends {
		for _, name := range names {
			slog.Debug("registered backend", "kind", kind, "name", name)
		}
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg,
		app.WithLogLevel(level),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if watchPath != "" {
		w, err := config.NewWatcher(watchPath, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	if *start {
		slog.Info("starting session, press Ctrl+C to end it")
	} else {
		slog.Info("server ready, press Ctrl+C to shut down")
	}

	code := 0
	if err := application.Run(ctx, app.RunOptions{StartSession: *start, Out: os.Stdout}); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// flagSet reports whether the named flag was given on the command line.
func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// loadConfig loads path. A missing default config file falls back to the
// built-in defaults plus environment; an explicitly named one is an error.
// The returned path is empty when there is no file to watch.
func loadConfig(path string, explicit bool) (*config.Config, string, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || explicit {
		return nil, "", err
	}
	cfg, err = config.Load("")
	if err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger writes text logs to stderr and, when configured, to a rotated
// log file as well.
func newLogger(file *config.LogFileConfig, level *slog.LevelVar) (*slog.Logger, func()) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if file != nil && file.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   file.Compress,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closeFn = func() { _ = lj.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║          Parley, startup summary      ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name, cfg.Provider.Model)
	printRow("Voice", cfg.Session.Voice, "")
	printRow("Capture", cfg.Audio.Capture.Name, cfg.Audio.Capture.Device)
	printRow("Playback", cfg.Audio.Playback.Name, cfg.Audio.Playback.Device)
	if cfg.History.PostgresDSN != "" {
		printRow("History", "postgres", "")
	} else {
		printRow("History", "memory", "")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr, "")
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	fmt.Fprint(os.Stderr, formatRow(kind, name, detail))
}

// rowWidth is the value column width of the startup box, in runes.
const rowWidth = 19

// formatRow renders one line of the startup box. Values longer than the
// column are cut on a rune boundary and end in "...".
func formatRow(kind, name, detail string) string {
	value := name
	if value == "" {
		value = "(default)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if r := []rune(value); len(r) > rowWidth {
		value = string(r[:rowWidth-3]) + "..."
	}
	return fmt.Sprintf("║  %-12s   : %-19s ║\n", kind, value)
}
