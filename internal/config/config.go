// Package config loads gateway configuration from a single
// seomcp.jsonc file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the unified configuration file format for seomcp.jsonc.
type Config struct {
	Server    ServerConfig                 `json:"server"`
	Child     ChildConfig                  `json:"child"`
	Database  DatabaseConfig               `json:"database"`
	RateLimit RateLimitConfig              `json:"ratelimit"`
	Log       LogConfig                    `json:"log"`
	Retention RetentionConfig              `json:"retention"`
	Providers map[string]map[string]string `json:"providers"`

	// ConfigDir is the directory the file was loaded from; relative
	// paths elsewhere in the config resolve against it.
	ConfigDir string `json:"-"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Address string `json:"address"`
}

// ChildConfig describes how tenant child processes are launched.
type ChildConfig struct {
	Command            string   `json:"command"`
	Args               []string `json:"args"`
	Runtime            string   `json:"runtime"` // exec or docker
	Image              string   `json:"image"`   // docker runtime only
	IdleTimeoutSeconds int      `json:"idle_timeout_seconds"`
	CallTimeoutSeconds int      `json:"call_timeout_seconds"`
	MaxLineBytes       int      `json:"max_line_bytes"`
	RunDir             string   `json:"run_dir"`
}

// DatabaseConfig holds the sqlite file locations.
type DatabaseConfig struct {
	CredentialsPath string `json:"credentials_path"`
	UsagePath       string `json:"usage_path"`
}

// RateLimitConfig tunes the per-credential burst limiter. This is the
// short-window HTTP limiter, not the monthly quota.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	Disabled          bool    `json:"disabled"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	Dir  string `json:"dir"`
	JSON bool   `json:"json"`
}

// RetentionConfig controls the usage-log pruning job.
type RetentionConfig struct {
	UsageDays int `json:"usage_days"`
}

// FindConfigPath returns the path to seomcp.jsonc using precedence:
// 1. configDir + /seomcp.jsonc (if configDir specified)
// 2. ./config/seomcp.jsonc (project-local)
// 3. ~/.seomcp/config/seomcp.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, "seomcp.jsonc")
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("seomcp.jsonc not found in %s", configDir)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return path, nil
		}
		return abs, nil
	}

	candidates := []string{
		filepath.Join("config", "seomcp.jsonc"),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".seomcp", "config", "seomcp.jsonc"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("seomcp.jsonc not found; tried: %v", candidates)
}

// Load reads and parses seomcp.jsonc, applying defaults for absent
// fields.
func Load(configDir string) (*Config, error) {
	configPath, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}
	return LoadFile(configPath)
}

// LoadFile reads and parses the given config file.
func LoadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	jsonData := StripJSONComments(data)

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	cfg.ConfigDir = filepath.Dir(configPath)
	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a config with every default applied, for callers
// that run without a config file (tests, token CLI against explicit
// database paths).
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	if cfg.Child.Command == "" {
		cfg.Child.Command = "seomcp-child"
	}
	if cfg.Child.Runtime == "" {
		cfg.Child.Runtime = "exec"
	}
	if cfg.Child.IdleTimeoutSeconds == 0 {
		cfg.Child.IdleTimeoutSeconds = 300
	}
	if cfg.Child.CallTimeoutSeconds == 0 {
		cfg.Child.CallTimeoutSeconds = 60
	}
	if cfg.Child.MaxLineBytes == 0 {
		cfg.Child.MaxLineBytes = 1024 * 1024
	}
	if cfg.Child.RunDir == "" {
		cfg.Child.RunDir = filepath.Join("data", "run")
	}

	if cfg.Database.CredentialsPath == "" {
		cfg.Database.CredentialsPath = filepath.Join("data", "credentials.db")
	}
	if cfg.Database.UsagePath == "" {
		cfg.Database.UsagePath = filepath.Join("data", "usage.db")
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}

	if cfg.Log.Dir == "" {
		cfg.Log.Dir = filepath.Join("data", "logs")
	}

	if cfg.Retention.UsageDays == 0 {
		cfg.Retention.UsageDays = 365
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]map[string]string)
	}
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.Child.Command == "" {
		return fmt.Errorf("child.command is required")
	}
	if c.Child.Runtime != "exec" && c.Child.Runtime != "docker" {
		return fmt.Errorf("child.runtime must be exec or docker, got %q", c.Child.Runtime)
	}
	if c.Child.Runtime == "docker" && c.Child.Image == "" {
		return fmt.Errorf("child.image is required when child.runtime is docker")
	}
	if c.Retention.UsageDays < 31 {
		return fmt.Errorf("retention.usage_days must cover at least one quota month, got %d", c.Retention.UsageDays)
	}
	return nil
}
