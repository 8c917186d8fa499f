package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrMissingResource is wrapped by every error [CheckResources] reports.
var ErrMissingResource = errors.New("config: missing resource")

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Defaults must
// already be applied. It returns a joined error listing all validation
// failures found. Resource files are not touched; see [CheckResources].
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("server.max_concurrent_jobs must be at least 1, got %d", cfg.Server.MaxConcurrentJobs))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Alignment
	a := cfg.Alignment
	if a.Workers < 1 {
		errs = append(errs, fmt.Errorf("alignment.workers must be at least 1, got %d", a.Workers))
	}
	if a.ChunkLength <= 0 {
		errs = append(errs, fmt.Errorf("alignment.chunk_length must be positive, got %v", a.ChunkLength))
	}
	if a.Overlap < 0 || a.Overlap >= a.ChunkLength {
		errs = append(errs, fmt.Errorf("alignment.overlap %v must be in [0, chunk_length)", a.Overlap))
	}
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("alignment.sample_rate must be positive, got %d", a.SampleRate))
	}
	if a.MinChunkBytes < 0 {
		errs = append(errs, fmt.Errorf("alignment.min_chunk_bytes must not be negative, got %d", a.MinChunkBytes))
	}
	if a.Disfluency && len(a.Disfluencies) == 0 {
		slog.Warn("alignment.disfluency is enabled but alignment.disfluencies is empty; no fillers will be kept")
	}

	// Multipass
	m := cfg.Multipass
	if m.MinSpan < 0 || m.MaxSpan < m.MinSpan {
		errs = append(errs, fmt.Errorf("multipass span bounds [%v, %v] are invalid", m.MinSpan, m.MaxSpan))
	}
	if m.BreakerFailures < 1 {
		errs = append(errs, fmt.Errorf("multipass.breaker_failures must be at least 1, got %d", m.BreakerFailures))
	}

	// Resources
	res := cfg.Resources
	if res.DecoderBinary == "" {
		errs = append(errs, errors.New("resources.decoder_binary is required"))
	}
	if res.GraphCompilerBinary == "" {
		errs = append(errs, errors.New("resources.graph_compiler_binary is required"))
	}
	if res.ProtoLangDir == "" {
		errs = append(errs, errors.New("resources.proto_lang_dir is required"))
	}
	if res.Vocabulary == "" {
		errs = append(errs, errors.New("resources.vocabulary is required"))
	}

	// Telemetry
	if !cfg.Telemetry.TraceExporter.IsValid() {
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q is invalid; valid values: none, stdout", cfg.Telemetry.TraceExporter))
	}
	if r := cfg.Telemetry.Ratio(); r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be in [0, 1], got %v", r))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Debug("store.postgres_dsn is empty; jobs are kept in memory")
	}

	return errors.Join(errs...)
}

// CheckResources verifies that every configured resource path exists. Each
// failure names the path and wraps [ErrMissingResource].
func CheckResources(r ResourcesConfig) error {
	paths := []struct{ field, path string }{
		{"decoder_binary", r.DecoderBinary},
		{"graph_compiler_binary", r.GraphCompilerBinary},
		{"nnet_dir", r.NnetDir},
		{"proto_lang_dir", r.ProtoLangDir},
		{"vocabulary", r.Vocabulary},
	}
	var errs []error
	for _, p := range paths {
		if p.path == "" {
			continue
		}
		path := r.Resolve(p.path)
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%w: resources.%s %q: %v", ErrMissingResource, p.field, path, err))
		}
	}
	return errors.Join(errs...)
}
