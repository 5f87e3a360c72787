// Package types provides configuration types for the backtest engine.
package types

import (
	"time"
)

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	WebSocketPath  string        `json:"websocketPath" mapstructure:"websocket_path"`
	EnableMetrics  bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
	AllowedOrigins []string      `json:"allowedOrigins" mapstructure:"allowed_origins"`
}

// CacheConfig represents result-cache configuration.
type CacheConfig struct {
	Path         string        `json:"path" mapstructure:"path"` // SQLite file, ":memory:" for tests
	Namespace    string        `json:"namespace" mapstructure:"namespace"`
	DefaultTTL   time.Duration `json:"defaultTtl" mapstructure:"default_ttl"`
	OpTimeout    time.Duration `json:"opTimeout" mapstructure:"op_timeout"`
	MaxRetries   int           `json:"maxRetries" mapstructure:"max_retries"`
	RetryBackoff time.Duration `json:"retryBackoff" mapstructure:"retry_backoff"`
}

// MonitorConfig represents execution-monitor configuration.
type MonitorConfig struct {
	MaxHistorySize  int           `json:"maxHistorySize" mapstructure:"max_history_size"`
	HealthInterval  time.Duration `json:"healthInterval" mapstructure:"health_interval"`
	HealthRingSize  int           `json:"healthRingSize" mapstructure:"health_ring_size"`
	RetentionPeriod time.Duration `json:"retentionPeriod" mapstructure:"retention_period"`
}

// OptimizerConfig represents optimizer defaults.
type OptimizerConfig struct {
	MaxWorkers int `json:"maxWorkers" mapstructure:"max_workers"`
}

// Config is the root configuration loaded by cmd/server.
type Config struct {
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Cache     CacheConfig     `json:"cache" mapstructure:"cache"`
	Monitor   MonitorConfig   `json:"monitor" mapstructure:"monitor"`
	Optimizer OptimizerConfig `json:"optimizer" mapstructure:"optimizer"`
	LogLevel  string          `json:"logLevel" mapstructure:"log_level"`
}

// DefaultConfig returns the built-in defaults, overridable via viper.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:           "localhost",
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			WebSocketPath:  "/ws",
			EnableMetrics:  true,
			AllowedOrigins: []string{"*"},
		},
		Cache: CacheConfig{
			Path:         "./data/backtest_cache.db",
			Namespace:    "backtest",
			DefaultTTL:   24 * time.Hour,
			OpTimeout:    5 * time.Second,
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			MaxHistorySize:  10000,
			HealthInterval:  60 * time.Second,
			HealthRingSize:  1000,
			RetentionPeriod: 30 * 24 * time.Hour,
		},
		Optimizer: OptimizerConfig{
			MaxWorkers: 8,
		},
		LogLevel: "info",
	}
}
