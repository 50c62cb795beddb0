// Package config handles task agent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/taskagent/config.yaml, /etc/taskagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskagent", "config.yaml"))
	}

	paths = append(paths, "/etc/taskagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all task agent configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	API       APIConfig               `yaml:"api"`
	Database  DatabaseConfig          `yaml:"database"`
	Models    ModelsConfig            `yaml:"models"`
	Anthropic AnthropicConfig         `yaml:"anthropic"`
	LLM       LLMConfig               `yaml:"llm"`
	Agent     AgentConfig             `yaml:"agent"`
	Memory    MemoryConfig            `yaml:"memory"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// APIConfig defines how the HTTP surface identifies callers.
type APIConfig struct {
	// UserHeader names the request header carrying the verified user
	// identifier. The fronting proxy is responsible for authentication
	// and must strip any client-supplied copy of this header.
	UserHeader string `yaml:"user_header"`
}

// DatabaseConfig selects the SQLite driver and file.
type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn/go-sqlite3, cgo) or "sqlite"
	// (modernc.org/sqlite, pure Go).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Optional override, mostly for testing
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic
}

// LLMConfig bounds each provider call.
type LLMConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxTokens int           `yaml:"max_tokens"`
}

// AgentConfig tunes the model↔tool loop.
type AgentConfig struct {
	// MaxToolRounds caps how many times tool calls are executed for a
	// single user turn before the model is forced to answer in text.
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// MemoryConfig controls context loading.
type MemoryConfig struct {
	// Window is the number of most recent messages replayed to the model.
	Window int `yaml:"window"`
}

// PricingEntry is the per-million-token price of a model, used to cost
// usage records. Models without an entry are treated as free.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and missing values are filled
// from [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.API.UserHeader == "" {
		c.API.UserHeader = "X-User-ID"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Path == "" {
		c.Database.Path = "taskagent.db"
	}
	if c.Models.Default == "" {
		c.Models.Default = "claude-sonnet-4-20250514"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.Agent.MaxToolRounds == 0 {
		c.Agent.MaxToolRounds = 2
	}
	if c.Memory.Window == 0 {
		c.Memory.Window = 50
	}
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported (valid: sqlite3, sqlite)", c.Database.Driver)
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic":
		default:
			return fmt.Errorf("models.available[%s]: unknown provider %q", m.Name, m.Provider)
		}
	}
	if c.Agent.MaxToolRounds < 1 {
		return fmt.Errorf("agent.max_tool_rounds must be at least 1")
	}
	if c.Memory.Window < 1 {
		return fmt.Errorf("memory.window must be at least 1")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ProviderFor returns the provider configured for model, or "" when the
// model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return ""
}
