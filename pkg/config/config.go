/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ssargent/sapling/pkg/logger"
	"github.com/ssargent/sapling/pkg/page"
	"github.com/ssargent/sapling/pkg/sapling"
)

// Config represents the Sapling configuration
type Config struct {
	DataDir    string        `yaml:"data_dir"`
	Port       int           `yaml:"port"`
	Bind       string        `yaml:"bind"`
	Engine     Engine        `yaml:"engine"`
	Checkpoint Checkpoint    `yaml:"checkpoint"`
	Security   Security      `yaml:"security"`
	Logging    logger.Config `yaml:"logging"`
}

// Engine sizes the page address space
type Engine struct {
	PageSize int    `yaml:"page_size"`
	MaxPages uint32 `yaml:"max_pages"`
}

// Checkpoint controls how the image in the data directory is written
type Checkpoint struct {
	Compress bool `yaml:"compress"`
}

// Security contains security-related configuration
type Security struct {
	// APIKey guards the HTTP API; empty disables the check
	APIKey string `yaml:"api_key"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Port:    8080,
		Bind:    "127.0.0.1",
		Engine: Engine{
			PageSize: page.DefaultSize,
		},
		Checkpoint: Checkpoint{
			Compress: true,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from the specified path. Fields missing
// from the file keep their defaults.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		configPath = absPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig saves the configuration to the specified path with secure permissions
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks ranges the engine and server would otherwise reject later
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if ps := c.Engine.PageSize; ps != 0 && (ps < page.MinSize || ps > page.MaxSize) {
		return fmt.Errorf("engine.page_size %d outside [%d, %d]", ps, page.MinSize, page.MaxSize)
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format %q must be json or console", c.Logging.Format)
	}
	return nil
}

// EngineOptions maps the engine section onto database options
func (c *Config) EngineOptions(log *zap.Logger) sapling.Options {
	opts := sapling.DefaultOptions()
	if c.Engine.PageSize != 0 {
		opts.PageSize = c.Engine.PageSize
	}
	opts.MaxPages = c.Engine.MaxPages
	opts.Logger = log
	return opts
}

// GenerateSecureKey generates a cryptographically secure random key
func GenerateSecureKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// BootstrapConfig writes a default configuration with a generated API key
func BootstrapConfig(configPath string, dataDir string) (*Config, error) {
	config := DefaultConfig()
	if dataDir != "" {
		config.DataDir = dataDir
	}

	key, err := GenerateSecureKey(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate API key: %w", err)
	}
	config.Security.APIKey = key

	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save bootstrap config: %w", err)
	}

	return config, nil
}

// GetDefaultConfigPath returns ~/.config/sapling/config.yaml, or a file in
// the working directory when there is no home
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./sapling.yaml"
	}
	return filepath.Join(homeDir, ".config", "sapling", "config.yaml")
}

// ConfigExists checks if a configuration file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}
