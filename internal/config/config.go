// Package config handles Taskpilot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/taskpilot/config.yaml, /etc/taskpilot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskpilot", "config.yaml"))
	}

	paths = append(paths, "/etc/taskpilot/config.yaml")
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

// Config holds all Taskpilot configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	Database  string       `yaml:"database"` // SQLite file path
	LLM       LLMConfig    `yaml:"llm"`
	Auth      AuthConfig   `yaml:"auth"`
	Agent     AgentConfig  `yaml:"agent"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the chat-completion provider connection.
type LLMConfig struct {
	// BaseURL points at an OpenAI-compatible chat completions API.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// Temperature for completions. Zero means the provider default.
	Temperature float64 `yaml:"temperature"`
}

// AuthConfig defines the static API key chain. Each key authenticates as
// exactly one owner; token issuance and rotation live outside this service.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// APIKeyEntry binds a bearer token to an owner identity.
type APIKeyEntry struct {
	Key   string `yaml:"key"`
	Owner string `yaml:"owner"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	// MaxIterations bounds model round-trips per chat turn (default 5).
	MaxIterations int `yaml:"max_iterations"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.Agent.MaxIterations <= 0 {
		cfg.Agent.MaxIterations = 5
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		Database: "taskpilot.db",
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Agent: AgentConfig{MaxIterations: 5},
	}
}
