package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked: the log
// level and the settings used for the next session.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any field of the session block or the
	// provider model changed. A running session keeps its settings.
	SessionChanged bool
	SessionFields  []string

	// RestartRequired lists changed fields that only take effect after a
	// restart (backends, listen address, history store).
	RestartRequired []string
}

// Changed reports whether d carries any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Session settings
	ps, ns := old.Session, new.Session
	add := func(changed bool, field string) {
		if changed {
			d.SessionFields = append(d.SessionFields, field)
		}
	}
	add(ps.Voice != ns.Voice, "session.voice")
	add(ps.Instructions != ns.Instructions, "session.instructions")
	add(boolOr(ps.InputTranscription, true) != boolOr(ns.InputTranscription, true), "session.input_transcription")
	add(boolOr(ps.OutputTranscription, true) != boolOr(ns.OutputTranscription, true), "session.output_transcription")
	add(ps.Timeout() != ns.Timeout(), "session.open_timeout")
	add(ps.SendBuffer != ns.SendBuffer, "session.send_buffer")
	add(old.Provider.Model != new.Provider.Model, "provider.model")
	d.SessionChanged = len(d.SessionFields) > 0

	// Everything wired at startup.
	restart := func(changed bool, field string) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart(old.Server.ListenAddr != new.Server.ListenAddr, "server.listen_addr")
	restart(old.Provider.Name != new.Provider.Name, "provider.name")
	restart(old.Provider.APIKey != new.Provider.APIKey, "provider.api_key")
	restart(old.Provider.BaseURL != new.Provider.BaseURL, "provider.base_url")
	restart(!sameDevice(old.Audio.Capture, new.Audio.Capture), "audio.capture")
	restart(!sameDevice(old.Audio.Playback, new.Audio.Playback), "audio.playback")
	restart(old.History != new.History, "history")

	return d
}

// sameDevice compares the scalar fields of two device entries. Options are
// compared by key and formatted value.
func sameDevice(a, b DeviceEntry) bool {
	if a.Name != b.Name || a.Device != b.Device || a.SampleRate != b.SampleRate ||
		a.BlockSize != b.BlockSize || a.Lead != b.Lead || len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || !sameOption(v, w) {
			return false
		}
	}
	return true
}

func sameOption(a, b any) bool {
	switch av := a.(type) {
	case string, bool, int, float64:
		return av == b
	}
	return false
}
