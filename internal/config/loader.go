package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known backend names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"provider": {"gemini-live", "genai", "openai-realtime"},
	"capture":  {"portaudio", "ffmpeg"},
	"playback": {"portaudio", "ffplay", "discard"},
}

// APIKeyEnv lists the environment variables consulted, in order, when
// provider.api_key is empty.
var APIKeyEnv = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}

// ProviderKeyEnv overrides [APIKeyEnv] for backends that authenticate
// against another vendor.
var ProviderKeyEnv = map[string][]string{
	"openai-realtime": {"OPENAI_API_KEY"},
}

// KeyEnv returns the variables consulted for the named provider's API key.
func KeyEnv(provider string) []string {
	if names, ok := ProviderKeyEnv[provider]; ok {
		return names
	}
	return APIKeyEnv
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. An empty path yields the defaults. It is a convenience wrapper
// around [LoadFromReader].
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromReader(strings.NewReader(""))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment fallbacks, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills provider.api_key from the first non-empty variable returned
// by [KeyEnv] for the configured provider.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.Provider.APIKey != "" {
		return
	}
	for _, name := range KeyEnv(cfg.Provider.Name) {
		if v := getenv(name); v != "" {
			cfg.Provider.APIKey = v
			return
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if lf := cfg.Server.LogFile; lf != nil {
		if lf.Path == "" {
			errs = append(errs, errors.New("server.log_file.path is required when log_file is set"))
		}
		if lf.MaxSizeMB < 0 || lf.MaxBackups < 0 || lf.MaxAgeDays < 0 {
			errs = append(errs, errors.New("server.log_file limits must not be negative"))
		}
	}

	// Backend names: unknown names may be registered by a third party.
	validateBackendName("provider", cfg.Provider.Name)
	validateBackendName("capture", cfg.Audio.Capture.Name)
	validateBackendName("playback", cfg.Audio.Playback.Name)

	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty and no API key variable is set; sessions will fail to authenticate",
			"env", KeyEnv(cfg.Provider.Name),
		)
	}

	// Session
	if t := cfg.Session.Timeout(); t < 0 {
		errs = append(errs, fmt.Errorf("session.open_timeout %s must not be negative", t))
	}
	if cfg.Session.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("session.send_buffer %d must not be negative", cfg.Session.SendBuffer))
	}

	// Audio
	for _, d := range []struct {
		prefix string
		entry  DeviceEntry
	}{
		{"audio.capture", cfg.Audio.Capture},
		{"audio.playback", cfg.Audio.Playback},
	} {
		if d.entry.SampleRate < 0 {
			errs = append(errs, fmt.Errorf("%s.sample_rate %d must not be negative", d.prefix, d.entry.SampleRate))
		}
		if d.entry.SampleRate > 0 && (d.entry.SampleRate < 8000 || d.entry.SampleRate > 192000) {
			errs = append(errs, fmt.Errorf("%s.sample_rate %d is out of range [8000, 192000]", d.prefix, d.entry.SampleRate))
		}
		if d.entry.BlockSize < 0 {
			errs = append(errs, fmt.Errorf("%s.block_size %d must not be negative", d.prefix, d.entry.BlockSize))
		}
	}
	if cfg.Audio.Playback.Lead < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.lead %s must not be negative", cfg.Audio.Playback.Lead))
	}

	// History
	if cfg.History.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("history.max_turns %d must not be negative", cfg.History.MaxTurns))
	}

	// Telemetry
	if p := cfg.Telemetry.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
