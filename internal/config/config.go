// Package config provides the configuration schema and loader for the
// Voxduct bridge server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Voxduct server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps [time.Duration] so YAML values can be written as "30s" or
// "5m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Voxduct.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Pool      PoolConfig      `yaml:"pool"`
	VAD       VADConfig       `yaml:"vad"`
	Call      CallConfig      `yaml:"call"`
	Vendors   VendorsConfig   `yaml:"vendors"`
	Recording RecordingConfig `yaml:"recording"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig configures the realtime AI endpoint all calls are bridged
// to.
type UpstreamConfig struct {
	// APIKey authenticates against the realtime endpoint. Required.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// Instructions is the system prompt sent when a connection is opened.
	Instructions string `yaml:"instructions"`

	// SampleRate is the PCM16 rate the endpoint expects. Default: 24000.
	SampleRate int `yaml:"sample_rate"`
}

// PoolConfig tunes the upstream connection pool. Zero values use the pool's
// built-in defaults.
type PoolConfig struct {
	MaxSize       int      `yaml:"max_size"`
	SessionCap    int      `yaml:"session_cap"`
	MaxAge        Duration `yaml:"max_age"`
	MaxIdle       Duration `yaml:"max_idle"`
	SweepInterval Duration `yaml:"sweep_interval"`
	LeaseWait     Duration `yaml:"lease_wait"`
}

// VADConfig tunes voice activity detection. Zero values use the detector's
// built-in defaults.
type VADConfig struct {
	SpeechThreshold     float64  `yaml:"speech_threshold"`
	StartFrames         int      `yaml:"start_frames"`
	StopFrames          int      `yaml:"stop_frames"`
	ForceStopAfter      Duration `yaml:"force_stop_after"`
	MinSpeechDuration   Duration `yaml:"min_speech_duration"`
	HistorySize         int      `yaml:"history_size"`
	MaxClassifierErrors int      `yaml:"max_classifier_errors"`
}

// CallConfig tunes per-call behaviour. Zero values use the bridge's built-in
// defaults.
type CallConfig struct {
	ChunkDuration Duration `yaml:"chunk_duration"`
	FrameDuration Duration `yaml:"frame_duration"`
	MinCommit     Duration `yaml:"min_commit"`
	IdleTimeout   Duration `yaml:"idle_timeout"`
	HangupGrace   Duration `yaml:"hangup_grace"`
}

// VendorsConfig enables the telephony dialect endpoints.
type VendorsConfig struct {
	Mediawire VendorConfig `yaml:"mediawire"`
	Voicegate VendorConfig `yaml:"voicegate"`
}

// VendorConfig is the per-dialect endpoint block.
type VendorConfig struct {
	// Enabled turns the endpoint on.
	Enabled bool `yaml:"enabled"`

	// Path is the WebSocket route (e.g., "/stream/media"). Defaults per
	// vendor when empty.
	Path string `yaml:"path"`
}

// RecordingConfig configures call record persistence. An empty DSN disables
// recording.
type RecordingConfig struct {
	// PostgresDSN is the connection string for the call_events database.
	PostgresDSN string `yaml:"postgres_dsn"`
}
