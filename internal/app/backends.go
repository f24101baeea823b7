package app

import (
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/ffmpeg"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
	"github.com/MrWong99/parley/pkg/provider/live"
	"github.com/MrWong99/parley/pkg/provider/live/gemini"
	"github.com/MrWong99/parley/pkg/provider/live/genailive"
	"github.com/MrWong99/parley/pkg/provider/live/openai"
)

// BuiltinBackends maps backend kinds to the implementations that ship with
// Parley. Used for startup logging.
var BuiltinBackends = map[string][]string{
	"provider": {"gemini-live", "genai", "openai-realtime"},
	"capture":  {"portaudio", "ffmpeg"},
	"playback": {"portaudio", "ffplay", "discard"},
}

// RegisterBuiltins wires all built-in backend factories into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── Live providers ────────────────────────────────────────────────────────

	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("genai", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []genailive.Option
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "api_version"); v != "" {
			opts = append(opts, genailive.WithAPIVersion(v))
		}
		return genailive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("openai-realtime", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("portaudio", func(d config.DeviceEntry) (audio.Capture, error) {
		return portaudio.NewCapture(portaudio.CaptureConfig{
			Device:     d.Device,
			SampleRate: d.SampleRate,
			BlockSize:  d.BlockSize,
		}), nil
	})

	reg.RegisterCapture("ffmpeg", func(d config.DeviceEntry) (audio.Capture, error) {
		return ffmpeg.NewCapture(ffmpeg.CaptureConfig{
			Binary:      d.Option("binary", ""),
			InputFormat: d.Option("format", ""),
			Device:      d.Device,
			SampleRate:  d.SampleRate,
			BlockSize:   d.BlockSize,
		}), nil
	})

	// ── Playback ──────────────────────────────────────────────────────────────

	reg.RegisterSink("portaudio", func(d config.DeviceEntry) (audio.Sink, error) {
		s, err := portaudio.NewSink(portaudio.SinkConfig{
			Device:     d.Device,
			SampleRate: d.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	reg.RegisterSink("ffplay", func(d config.DeviceEntry) (audio.Sink, error) {
		s, err := ffmpeg.NewSink(ffmpeg.SinkConfig{
			Binary:     d.Option("binary", ""),
			SampleRate: d.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	reg.RegisterSink("discard", func(d config.DeviceEntry) (audio.Sink, error) {
		return audio.NewDiscardSink(audio.Format{SampleRate: d.SampleRate, Channels: 1}), nil
	})
}

// optString extracts a string value from an Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
