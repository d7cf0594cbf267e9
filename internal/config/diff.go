package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart and is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged bool
	NewVoice     VoiceDefaults

	// RestartRequired names top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Changed reports whether d carries any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !voiceEqual(old.Voice, new.Voice) {
		d.VoiceChanged = true
		d.NewVoice = new.Voice
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !serverEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !slices.Equal(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !slices.Equal(old.Auth.Tokens, new.Auth.Tokens) {
		d.RestartRequired = append(d.RestartRequired, "auth")
	}
	if old.Storage.Driver != new.Storage.Driver ||
		old.Storage.PostgresDSN != new.Storage.PostgresDSN ||
		!slices.Equal(old.Storage.Conversations, new.Storage.Conversations) {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.ShutdownTimeout != b.ShutdownTimeout || a.LogLevel != b.LogLevel {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) {
		return false
	}
	return a.TLS == nil || *a.TLS == *b.TLS
}

func voiceEqual(a, b VoiceDefaults) bool {
	return a.Voice == b.Voice &&
		a.Language == b.Language &&
		a.Sensitivity() == b.Sensitivity() &&
		slices.Equal(a.Modalities, b.Modalities) &&
		a.InputAudioFormat == b.InputAudioFormat &&
		a.OutputAudioFormat == b.OutputAudioFormat &&
		a.TurnDetection == b.TurnDetection
}
