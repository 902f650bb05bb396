// Package config provides the configuration schema, loader, and provider registry
// for rescuevox.
package config

import (
	"time"

	"github.com/MrWong99/rescuevox/internal/geo"
)

// LogLevel controls log verbosity.
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

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":9464"
	DefaultAgent            = "gemini-live"
	DefaultAudioBackend     = "native"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
	DefaultConnectTimeout   = 15 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Agent    AgentConfig    `yaml:"agent"`
	Audio    AudioConfig    `yaml:"audio"`
	Session  SessionConfig  `yaml:"session"`
	Location LocationConfig `yaml:"location"`
	Failover FailoverConfig `yaml:"failover"`
}

// ServerConfig holds the HTTP side-channel and logging settings.
type ServerConfig struct {
	// ListenAddr is the address serving /healthz, /readyz, /metrics and
	// /reports. Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AgentConfig selects and configures the remote conversational agent.
// The Name field is used to look up the constructor in the [Registry].
type AgentConfig struct {
	// Name selects the registered agent ("gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey authenticates against the agent's API. When empty it is read
	// from the environment by [Load].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific realtime model.
	Model string `yaml:"model"`

	// Voice is the prebuilt voice the agent speaks with.
	Voice string `yaml:"voice"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig configures the local audio devices.
type AudioConfig struct {
	// Backend selects the registered audio backend. "native" uses malgo for
	// capture and oto for playback.
	Backend string `yaml:"backend"`

	// Device is the capture device name. Empty selects the system default.
	Device string `yaml:"device"`

	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples per captured frame.
	FrameSize int `yaml:"frame_size"`

	// OutputBuffer is the speaker buffer length, e.g. "100ms".
	OutputBuffer time.Duration `yaml:"output_buffer"`
}

// SessionConfig holds session manager settings.
type SessionConfig struct {
	// ConnectTimeout bounds dial plus setup acknowledgement.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// FailoverConfig lists agents tried in order when the primary cannot be
// dialled. Each entry has its own circuit breaker.
type FailoverConfig struct {
	Agents []AgentConfig `yaml:"agents"`

	// MaxFailures is the number of consecutive dial failures that open an
	// agent's breaker. Zero means 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker rejects dials. Zero means 1m.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// LocationConfig holds the device location and the resolution fallback.
type LocationConfig struct {
	// Device is the caller's position, if known. It is embedded in the
	// agent's instructions and used when the agent gives no coordinates.
	Device *geo.Location `yaml:"device"`

	// Fallback is used when neither the agent nor the device has a position.
	Fallback geo.Location `yaml:"fallback"`
}
