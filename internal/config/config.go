// Package config loads the service configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all cap configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// Virtuoso triplestore
	Virtuoso VirtuosoConfig `yaml:"virtuoso"`

	// Ollama language model
	Ollama OllamaConfig `yaml:"ollama"`

	// Redis query cache
	Redis RedisConfig `yaml:"redis"`

	// Pipeline behavior
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
}

// VirtuosoConfig configures the triplestore connection.
type VirtuosoConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
}

// OllamaConfig configures the language model server.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`

	// SystemPromptFile points at the NL-to-SPARQL system prompt; inline
	// SystemPrompt wins when both are set.
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptFile string `yaml:"system_prompt_file"`
}

// RedisConfig configures the query cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      string `yaml:"ttl"`
}

// PipelineConfig configures query flow behavior.
type PipelineConfig struct {
	StallWindow string `yaml:"stall_window"`
	MaxItems    int    `yaml:"max_items"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "cap",
		Version: "1.0.0",

		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: "15s",
		},

		Virtuoso: VirtuosoConfig{
			Host:     "localhost",
			Port:     8890,
			Username: "dba",
			Password: "dba",
			Endpoint: "/sparql",
			Timeout:  "30s",
		},

		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "cap-nl-sparql",
			Timeout: "120s",
		},

		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
			TTL:  "8760h",
		},

		Pipeline: PipelineConfig{
			StallWindow: "300s",
			MaxItems:    10000,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CAP_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CAP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}

	if v := os.Getenv("VIRTUOSO_HOST"); v != "" {
		c.Virtuoso.Host = v
	}
	if v := os.Getenv("VIRTUOSO_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Virtuoso.Port = p
		}
	}
	if v := os.Getenv("VIRTUOSO_USER"); v != "" {
		c.Virtuoso.Username = v
	}
	if v := os.Getenv("VIRTUOSO_PASSWORD"); v != "" {
		c.Virtuoso.Password = v
	}

	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		c.Ollama.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		c.Ollama.Model = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}

	if v := os.Getenv("CAP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// SystemPrompt resolves the NL-to-SPARQL system prompt, reading the
// prompt file when no inline prompt is configured.
func (c *Config) SystemPrompt() (string, error) {
	if c.Ollama.SystemPrompt != "" {
		return c.Ollama.SystemPrompt, nil
	}
	if c.Ollama.SystemPromptFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Ollama.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}
	return string(data), nil
}

// GetDuration parses a duration string, falling back to def when the
// value is empty or malformed.
func GetDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
