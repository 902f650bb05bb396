package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidAgentNames lists known agent names. Used by [Validate] to warn about
// unrecognised names.
var ValidAgentNames = []string{"gemini-live", "openai-realtime"}

// APIKeyEnv maps agent names to the environment variables consulted, in
// order, when agent.api_key is blank.
var APIKeyEnv = map[string][]string{
	"gemini-live":     {"RESCUEVOX_AGENT_API_KEY", "GEMINI_API_KEY"},
	"openai-realtime": {"RESCUEVOX_AGENT_API_KEY", "OPENAI_API_KEY"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// An optional .env file in the working directory is loaded first; variables
// already set in the environment win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: ignoring unreadable .env file", "err", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and secrets,
// and validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields. ListenAddr is left alone: an empty
// address is how the HTTP server is disabled.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = DefaultAgent
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultAudioBackend
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Session.ConnectTimeout == 0 {
		cfg.Session.ConnectTimeout = DefaultConnectTimeout
	}
}

// ApplyEnv fills blank agent API keys, including failover agents, from the
// environment.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	applyAgentEnv(&cfg.Agent, lookup)
	for i := range cfg.Failover.Agents {
		applyAgentEnv(&cfg.Failover.Agents[i], lookup)
	}
}

func applyAgentEnv(a *AgentConfig, lookup func(string) (string, bool)) {
	if a.APIKey != "" {
		return
	}
	keys, ok := APIKeyEnv[a.Name]
	if !ok {
		keys = []string{"RESCUEVOX_AGENT_API_KEY"}
	}
	for _, k := range keys {
		if v, ok := lookup(k); ok && v != "" {
			a.APIKey = v
			return
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Agent.Name == "" {
		errs = append(errs, errors.New("agent.name is required"))
	} else if !slices.Contains(ValidAgentNames, cfg.Agent.Name) {
		slog.Warn("unknown agent name, may be a typo or third-party provider",
			"name", cfg.Agent.Name,
			"known", ValidAgentNames,
		)
	}
	if cfg.Agent.APIKey == "" {
		slog.Warn("agent.api_key is empty; connecting will fail unless the endpoint needs no key",
			"agent", cfg.Agent.Name)
	}

	for i, a := range cfg.Failover.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("failover.agents[%d].name is required", i))
		}
	}
	if cfg.Failover.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("failover.max_failures %d must not be negative", cfg.Failover.MaxFailures))
	}
	if cfg.Failover.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("failover.reset_timeout %s must not be negative", cfg.Failover.ResetTimeout))
	}

	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must be positive", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must be positive", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.OutputBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output_buffer %s must not be negative", cfg.Audio.OutputBuffer))
	}
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}

	if d := cfg.Location.Device; d != nil && !d.Valid() {
		errs = append(errs, fmt.Errorf("location.device %s is out of range", d))
	}
	if !cfg.Location.Fallback.Valid() {
		errs = append(errs, fmt.Errorf("location.fallback %s is out of range", cfg.Location.Fallback))
	}

	return errors.Join(errs...)
}
