// Package config loads toolforge configuration from YAML with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all toolforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace root. Databases, generated tools, and logs live under
	// <workspace>/.forge.
	Workspace string `yaml:"workspace"`

	// LLM generator configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Storage configuration
	Store StoreConfig `yaml:"store"`

	// Sandbox execution settings
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Background jobs for `forge serve`
	Serve ServeConfig `yaml:"serve"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the code generator backend.
type LLMConfig struct {
	Provider string `yaml:"provider"` // genai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // genai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	TaskType string `yaml:"task_type"`
}

// StoreConfig configures SQLite persistence and the generated-tool directory.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	ToolsDir     string `yaml:"tools_dir"`
}

// SandboxConfig configures sandboxed tool execution.
type SandboxConfig struct {
	Timeout        string `yaml:"timeout"`         // wall clock per invocation
	MaxOutputBytes int    `yaml:"max_output_bytes"`
}

// ServeConfig configures the background maintenance schedules (cron syntax).
type ServeConfig struct {
	MiningSchedule    string `yaml:"mining_schedule"`
	PromotionSchedule string `yaml:"promotion_schedule"`
	TuningSchedule    string `yaml:"tuning_schedule"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Name:      "toolforge",
		Version:   "0.1.0",
		Workspace: ".",
		LLM: LLMConfig{
			Provider: "genai",
			Model:    "gemini-2.0-flash",
			Timeout:  "60s",
		},
		Embedding: EmbeddingConfig{
			Provider: "genai",
			Model:    "gemini-embedding-001",
			TaskType: "SEMANTIC_SIMILARITY",
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(".forge", "forge.db"),
			ToolsDir:     filepath.Join(".forge", "tools"),
		},
		Sandbox: SandboxConfig{
			Timeout:        "30s",
			MaxOutputBytes: 1 << 20,
		},
		Serve: ServeConfig{
			MiningSchedule:    "@every 10m",
			PromotionSchedule: "@every 30m",
			TuningSchedule:    "@daily",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given YAML file, layering it over the
// defaults. A missing file is not an error; defaults apply. API keys fall
// back to the GEMINI_API_KEY environment variable.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = key
		}
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = key
		}
	}
	if ws := os.Getenv("FORGE_WORKSPACE"); ws != "" {
		cfg.Workspace = ws
	}

	return cfg, nil
}

// LLMTimeout parses the generator timeout, defaulting to 60s.
func (c *Config) LLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 60*time.Second)
}

// SandboxTimeout parses the sandbox wall clock, defaulting to 30s.
func (c *Config) SandboxTimeout() time.Duration {
	return parseDuration(c.Sandbox.Timeout, 30*time.Second)
}

// DatabasePath resolves the database path against the workspace.
func (c *Config) DatabasePath() string {
	return resolve(c.Workspace, c.Store.DatabasePath)
}

// ToolsDir resolves the generated-tool directory against the workspace.
func (c *Config) ToolsDir() string {
	return resolve(c.Workspace, c.Store.ToolsDir)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func resolve(workspace, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}
