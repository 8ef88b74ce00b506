package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RuntimeDir string        `yaml:"runtime_dir"`
	Retry      RetryConfig   `yaml:"retry"`
	Service    ServiceConfig `yaml:"service"`
	Log        LogConfig     `yaml:"log"`
}

// RetryConfig holds the start-or-attach retry/warning tunables of
// spec.md §4.4/§9.
type RetryConfig struct {
	Interval                time.Duration `yaml:"interval"`
	WarningInterval         time.Duration `yaml:"warning_interval"`
	InteractiveReadyTimeout time.Duration `yaml:"interactive_ready_timeout"`
}

// ServiceConfig holds the service-runtime readiness tunables of
// spec.md §4.6g, overridable by _FLOX_SERVICES_ACTIVATE_TIMEOUT.
type ServiceConfig struct {
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func DefaultConfig() *Config {
	return &Config{
		RuntimeDir: "",
		Retry: RetryConfig{
			Interval:                200 * time.Millisecond,
			WarningInterval:         5 * time.Second,
			InteractiveReadyTimeout: 10 * time.Second,
		},
		Service: ServiceConfig{
			ReadyTimeout: 2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup function.
// This allows tests to provide isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	// Try to load from config file
	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables override config file
	if runtimeDir := getenv("FLOX_RUNTIME_DIR"); runtimeDir != "" {
		cfg.RuntimeDir = runtimeDir
	}
	if timeout := getenv("_FLOX_SERVICES_ACTIVATE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Service.ReadyTimeout = d
		}
	}

	return cfg, nil
}

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "flactivate", "config.yaml")
	}

	// Fall back to ~/.config
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "flactivate", "config.yaml")
}
