// Package config loads the sync core configuration from file, environment,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the sync core needs at startup.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	ServerURL string `mapstructure:"server_url"`
	UserID    string `mapstructure:"user_id"`

	Sync SyncConfig `mapstructure:"sync"`
	API  APIConfig  `mapstructure:"api"`
	Push PushConfig `mapstructure:"push"`
	Log  LogConfig  `mapstructure:"log"`
}

// SyncConfig controls the orchestrator.
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	QueueBatchSize int           `mapstructure:"queue_batch_size"`
	QueueRetention time.Duration `mapstructure:"queue_retention"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// APIConfig controls the API client transport.
type APIConfig struct {
	InteractiveTimeout time.Duration `mapstructure:"interactive_timeout"`
	BulkTimeout        time.Duration `mapstructure:"bulk_timeout"`
}

// PushConfig controls the push channel reconnect policy.
type PushConfig struct {
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from the given file (optional), the LUMEN_*
// environment, and built-in defaults, in ascending precedence of
// defaults < file < env.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", ".lumen")
	v.SetDefault("server_url", "https://sync.lumen.app")
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.queue_batch_size", 100)
	v.SetDefault("sync.queue_retention", 7*24*time.Hour)
	v.SetDefault("sync.stop_timeout", 10*time.Second)
	v.SetDefault("api.interactive_timeout", 10*time.Second)
	v.SetDefault("api.bulk_timeout", 60*time.Second)
	v.SetDefault("push.reconnect_interval", 5*time.Second)
	v.SetDefault("push.max_reconnect_attempts", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)

	v.SetEnvPrefix("LUMEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is well-formed.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.ServerURL == "" {
		return errors.New("server_url must not be empty")
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if c.Sync.QueueBatchSize <= 0 {
		return errors.New("sync.queue_batch_size must be positive")
	}
	if c.Push.MaxReconnectAttempts <= 0 {
		return errors.New("push.max_reconnect_attempts must be positive")
	}
	return nil
}
