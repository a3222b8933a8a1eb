package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Generation Generation `yaml:"generation"`
	Storage    Storage    `yaml:"storage"`
	Server     Server     `yaml:"server"`
	Session    Session    `yaml:"session"`
	Retry      Retry      `yaml:"retry"`
	History    History    `yaml:"history"`
}

type Generation struct {
	Provider       string  `yaml:"provider" env:"STORYFORGE_PROVIDER"`
	Model          string  `yaml:"model" env:"STORYFORGE_MODEL"`
	OllamaURL      string  `yaml:"ollama_url"`
	OpenAIModel    string  `yaml:"openai_model"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type Storage struct {
	DataDir string `yaml:"data_dir" env:"STORYFORGE_DATA_DIR"`
}

type Server struct {
	Port int `yaml:"port" env:"STORYFORGE_PORT"`
}

// Session configures the per-story busy guard. An empty RedisURL keeps the
// guard in process memory.
type Session struct {
	RedisURL       string `yaml:"redis_url" env:"STORYFORGE_REDIS_URL"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// Retry bounds the backoff applied to read operations.
type Retry struct {
	MaxTries          uint `yaml:"max_tries"`
	InitialIntervalMS int  `yaml:"initial_interval_ms"`
	MaxElapsedMS      int  `yaml:"max_elapsed_ms"`
}

type History struct {
	Concurrency int `yaml:"concurrency"`
}

// ConfigDir returns the XDG config directory for storyforge.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "storyforge")
}

// DataDir returns the XDG data directory for storyforge.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "storyforge")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/storyforge/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'storyforge init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault returns the embedded default config with environment overrides.
func LoadDefault() (*Config, error) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Generation: Generation{
			Provider:       "ollama",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			OpenAIModel:    "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxTokens:      2048,
			Temperature:    0.8,
			TimeoutSeconds: 180,
		},
		Server:  Server{Port: 8000},
		Session: Session{LockTTLSeconds: 300},
		Retry: Retry{
			MaxTries:          3,
			InitialIntervalMS: 200,
			MaxElapsedMS:      5000,
		},
		History: History{Concurrency: 4},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with any STORYFORGE_* variables that are set.
func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing env: %w", err)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite database location inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "storyforge.db")
}

// GenerationTimeout returns the per-call deadline for the generation provider.
func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.Generation.TimeoutSeconds) * time.Second
}

// LockTTL returns how long a busy-guard lock may be held before it expires.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Session.LockTTLSeconds) * time.Second
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
