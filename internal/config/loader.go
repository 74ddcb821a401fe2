package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Upstream
	if cfg.Upstream.APIKey == "" {
		errs = append(errs, errors.New("upstream.api_key is required"))
	}
	if cfg.Upstream.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("upstream.sample_rate %d must be positive", cfg.Upstream.SampleRate))
	}

	// Pool
	if cfg.Pool.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("pool.max_size %d must not be negative", cfg.Pool.MaxSize))
	}
	if cfg.Pool.SessionCap < 0 {
		errs = append(errs, fmt.Errorf("pool.session_cap %d must not be negative", cfg.Pool.SessionCap))
	}

	// VAD
	if cfg.VAD.SpeechThreshold < 0 || cfg.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range [0, 1]", cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.StartFrames < 0 {
		errs = append(errs, fmt.Errorf("vad.start_frames %d must not be negative", cfg.VAD.StartFrames))
	}
	if cfg.VAD.StopFrames < 0 {
		errs = append(errs, fmt.Errorf("vad.stop_frames %d must not be negative", cfg.VAD.StopFrames))
	}

	// Vendors
	if !cfg.Vendors.Mediawire.Enabled && !cfg.Vendors.Voicegate.Enabled {
		errs = append(errs, errors.New("at least one vendor endpoint must be enabled"))
	}
	for name, v := range map[string]VendorConfig{
		"vendors.mediawire": cfg.Vendors.Mediawire,
		"vendors.voicegate": cfg.Vendors.Voicegate,
	} {
		if v.Enabled && v.Path != "" && !strings.HasPrefix(v.Path, "/") {
			errs = append(errs, fmt.Errorf("%s.path %q must start with /", name, v.Path))
		}
	}

	return errors.Join(errs...)
}
