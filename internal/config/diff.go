package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AlignmentChanged is true if any streaming or multipass tuning changed.
	// These apply to jobs started after the reload.
	AlignmentChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart (server listener and job limit, resources, store, telemetry).
	RestartRequired []string
}

// Empty reports whether the diff carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AlignmentChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !alignmentEqual(old.Alignment, new.Alignment) || !multipassEqual(old.Multipass, new.Multipass) {
		d.AlignmentChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.MaxConcurrentJobs != new.Server.MaxConcurrentJobs ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Resources != new.Resources {
		d.RestartRequired = append(d.RestartRequired, "resources")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !telemetryEqual(old.Telemetry, new.Telemetry) {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func alignmentEqual(a, b AlignmentConfig) bool {
	return a.Workers == b.Workers &&
		a.ChunkLength == b.ChunkLength &&
		a.Overlap == b.Overlap &&
		a.SampleRate == b.SampleRate &&
		a.MinChunkBytes == b.MinChunkBytes &&
		a.Conservative == b.Conservative &&
		a.Disfluency == b.Disfluency &&
		slices.Equal(a.Disfluencies, b.Disfluencies)
}

func multipassEqual(a, b MultipassConfig) bool {
	return a.IsEnabled() == b.IsEnabled() &&
		a.MinSpan == b.MinSpan &&
		a.MaxSpan == b.MaxSpan &&
		a.BreakerFailures == b.BreakerFailures
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func telemetryEqual(a, b TelemetryConfig) bool {
	return a.ServiceName == b.ServiceName &&
		a.TraceExporter == b.TraceExporter &&
		a.Ratio() == b.Ratio()
}
