package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Execution     ExecutionConfig     `toml:"execution"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
	ToolsFile    string `toml:"tools_file"`
}

// ExecutionConfig holds command execution settings
type ExecutionConfig struct {
	MaxConcurrentProjects  int      `toml:"max_concurrent_projects"`
	FileFanOut             int      `toml:"file_fan_out"`
	CommandTimeoutSeconds  int      `toml:"command_timeout_seconds"`
	ExcerptLimitBytes      int      `toml:"excerpt_limit_bytes"`
	AllowedCommandPrefixes []string `toml:"allowed_command_prefixes"`
	BlockedPatterns        []string `toml:"blocked_patterns"`
}

// CommandTimeout returns the per-command timeout as a duration
func (e ExecutionConfig) CommandTimeout() time.Duration {
	return time.Duration(e.CommandTimeoutSeconds) * time.Second
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".aiman")
	return &Config{
		General: GeneralConfig{
			DataDir:      dataDir,
			DatabasePath: filepath.Join(dataDir, "aiman.db"),
			ToolsFile:    filepath.Join(dataDir, "ai_tools.json"),
		},
		Execution: ExecutionConfig{
			MaxConcurrentProjects: 3,
			FileFanOut:            4,
			CommandTimeoutSeconds: 300,
			ExcerptLimitBytes:     4096,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ToolsFile = ExpandPath(cfg.General.ToolsFile)

	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.Execution.MaxConcurrentProjects < 1 {
		return fmt.Errorf("execution.max_concurrent_projects must be at least 1, got %d", c.Execution.MaxConcurrentProjects)
	}
	if c.Execution.FileFanOut < 1 {
		return fmt.Errorf("execution.file_fan_out must be at least 1, got %d", c.Execution.FileFanOut)
	}
	if c.Execution.CommandTimeoutSeconds < 1 {
		return fmt.Errorf("execution.command_timeout_seconds must be at least 1, got %d", c.Execution.CommandTimeoutSeconds)
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "aiman", "config.toml")
}
