// Package config handles atelier configuration loading and validation.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for atelier.
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Approval ApprovalConfig `yaml:"approval"`
	Activity ActivityConfig `yaml:"activity"`
}

// DaemonConfig defines atelierd settings.
type DaemonConfig struct {
	Host            string        `yaml:"host"`
	BasePort        int           `yaml:"base_port"`
	PortSpan        int           `yaml:"port_span"`
	LogFile         string        `yaml:"log_file"`
	LogLevel        string        `yaml:"log_level"`
	SentryDSN       string        `yaml:"sentry_dsn"`
	WatchDebounce   time.Duration `yaml:"watch_debounce"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ApprovalConfig bounds the wait-for-task long poll window.
type ApprovalConfig struct {
	DefaultWait time.Duration `yaml:"default_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// ActivityConfig defines activity log flushing and archival.
type ActivityConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	ArchiveAfter  time.Duration `yaml:"archive_after"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Daemon: DaemonConfig{
			Host:            "127.0.0.1",
			BasePort:        7600,
			PortSpan:        20,
			LogFile:         filepath.Join(homeDir, ".local/share/atelier/atelier.log"),
			LogLevel:        "info",
			WatchDebounce:   300 * time.Millisecond,
			ShutdownTimeout: 10 * time.Second,
		},
		Approval: ApprovalConfig{
			DefaultWait: 30 * time.Second,
			MaxWait:     5 * time.Minute,
		},
		Activity: ActivityConfig{
			FlushInterval: 2 * time.Second,
			ArchiveAfter:  30 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from the default path or creates default config.
func Load() (*Config, error) {
	configPath := DefaultConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Daemon.SentryDSN = os.ExpandEnv(cfg.Daemon.SentryDSN)
	return cfg, nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("ATELIER_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/atelier/config.yaml")
}
