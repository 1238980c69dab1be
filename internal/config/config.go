package config

import (
	"encoding/json"
	"fmt"
)

// Config is the full juru configuration.
type Config struct {
	// Agent behavior defaults
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// LLM backends
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`

	// Tool servers to register (spawned lazily)
	Servers []ServerConfig `json:"servers" mapstructure:"servers"`

	// Tool name -> server bindings
	Tools []ToolBindingConfig `json:"tools" mapstructure:"tools"`

	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Transcript persistence
	Transcript TranscriptConfig `json:"transcript" mapstructure:"transcript"`

	// Periodic catalog resync
	Refresh RefreshConfig `json:"refresh" mapstructure:"refresh"`

	// Logging
	Logging LogConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory (transcripts, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig configures the turn loop.
type AgentConfig struct {
	Provider      string  `json:"provider" mapstructure:"provider"` // provider id, default first configured
	Model         string  `json:"model" mapstructure:"model"`       // default first model of the provider
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
	Mode          string  `json:"mode" mapstructure:"mode"` // tools, chat
}

// ProviderConfig selects and credentials one LLM backend.
type ProviderConfig struct {
	ID       string        `json:"id" mapstructure:"id"`
	Kind     string        `json:"kind" mapstructure:"kind"` // anthropic, openai, openai-compatible, gemini, ollama
	Endpoint string        `json:"endpoint" mapstructure:"endpoint"`
	APIKey   string        `json:"api_key" mapstructure:"api_key"` // env var name first, literal fallback
	APIPath  string        `json:"api_path" mapstructure:"api_path"`
	Models   []ModelConfig `json:"models" mapstructure:"models"`
}

// ModelConfig is one advertisable model.
type ModelConfig struct {
	Name        string `json:"name" mapstructure:"name"`
	DisplayName string `json:"display_name" mapstructure:"display_name"`
}

// ServerConfig describes how to launch one tool server.
type ServerConfig struct {
	Name     string            `json:"name" mapstructure:"name"`
	Command  string            `json:"command" mapstructure:"command"`
	Args     []string          `json:"args" mapstructure:"args"`
	Env      map[string]string `json:"env" mapstructure:"env"`
	Workdir  string            `json:"workdir" mapstructure:"workdir"`
	Settings map[string]string `json:"settings" mapstructure:"settings"` // exported upper-cased into the child env
}

// ToolBindingConfig routes one tool name to a server. Server existence is
// checked at invocation time, never here.
type ToolBindingConfig struct {
	Name        string `json:"name" mapstructure:"name"`
	Server      string `json:"server" mapstructure:"server"`
	Tool        string `json:"tool" mapstructure:"tool"` // remote name when it differs from Name
	Description string `json:"description" mapstructure:"description"`
}

// GatewayConfig holds gateway server configuration.
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"` // env var name first, literal fallback
}

// TranscriptConfig holds chat persistence configuration.
type TranscriptConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	Dir           string `json:"dir" mapstructure:"dir"`                       // default <data_dir>/transcripts
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"` // 0 keeps transcripts forever
}

// RefreshConfig schedules periodic catalog resyncs.
type RefreshConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // five-field cron expression
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Temperature:   0.7,
			MaxTokens:     4096,
			MaxIterations: 8,
			Mode:          "tools",
		},
		Providers: []ProviderConfig{},
		Servers:   []ServerConfig{},
		Tools:     []ToolBindingConfig{},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8713,
		},
		Transcript: TranscriptConfig{
			Enabled: true,
		},
		Refresh: RefreshConfig{
			Enabled:  false,
			Schedule: "*/30 * * * *",
		},
		Logging: LogConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 0.1,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Provider returns the provider entry the agent should use: the configured
// id, or the first entry when unset.
func (c *Config) Provider() (ProviderConfig, error) {
	if len(c.Providers) == 0 {
		return ProviderConfig{}, fmt.Errorf("no providers configured")
	}
	if c.Agent.Provider == "" {
		return c.Providers[0], nil
	}
	for _, p := range c.Providers {
		if p.ID == c.Agent.Provider {
			return p, nil
		}
	}
	return ProviderConfig{}, fmt.Errorf("agent provider %q is not configured", c.Agent.Provider)
}

// Model returns the model the agent should use: the configured name, or the
// provider's first model.
func (c *Config) Model() (string, error) {
	if c.Agent.Model != "" {
		return c.Agent.Model, nil
	}
	p, err := c.Provider()
	if err != nil {
		return "", err
	}
	if len(p.Models) == 0 {
		return "", fmt.Errorf("provider %s has no models and agent.model is empty", p.ID)
	}
	return p.Models[0].Name, nil
}

// Validate checks if the configuration is valid. Tool bindings are shape
// checked only; whether the named server exists is decided at call time.
// Likewise an empty provider list passes here and fails when an agent is
// actually constructed.
func (c *Config) Validate() error {
	seenProviders := map[string]bool{}
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: id is required", i)
		}
		if seenProviders[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seenProviders[p.ID] = true
		if p.Kind == "" {
			return fmt.Errorf("provider %s: kind is required", p.ID)
		}
	}

	if c.Agent.Provider != "" && !seenProviders[c.Agent.Provider] {
		return fmt.Errorf("agent provider %q is not configured", c.Agent.Provider)
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		return fmt.Errorf("agent temperature must be between 0 and 2")
	}
	if c.Agent.MaxTokens < 0 {
		return fmt.Errorf("agent max_tokens cannot be negative")
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent max_iterations cannot be negative")
	}
	if c.Agent.Mode != "" && c.Agent.Mode != "tools" && c.Agent.Mode != "chat" {
		return fmt.Errorf("agent mode must be tools or chat, got %s", c.Agent.Mode)
	}

	seenServers := map[string]bool{}
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server %d: name is required", i)
		}
		if seenServers[s.Name] {
			return fmt.Errorf("server %s: duplicate name", s.Name)
		}
		seenServers[s.Name] = true
		if s.Command == "" {
			return fmt.Errorf("server %s: command is required", s.Name)
		}
	}

	seenTools := map[string]bool{}
	for i, t := range c.Tools {
		if t.Name == "" {
			return fmt.Errorf("tool binding %d: name is required", i)
		}
		if seenTools[t.Name] {
			return fmt.Errorf("tool binding %s: duplicate name", t.Name)
		}
		seenTools[t.Name] = true
		if t.Server == "" {
			return fmt.Errorf("tool binding %s: server is required", t.Name)
		}
	}

	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("gateway port must be between 1 and 65535")
		}
	}

	if c.Refresh.Enabled && c.Refresh.Schedule == "" {
		return fmt.Errorf("refresh schedule is required when refresh is enabled")
	}

	if c.Transcript.RetentionDays < 0 {
		return fmt.Errorf("transcript retention_days cannot be negative")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be between 0 and 1")
	}

	return nil
}
