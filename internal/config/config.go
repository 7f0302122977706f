// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

// Package config loads layered configuration: built-in defaults, an
// optional YAML file, then environment variables, highest last.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Events   EventsConfig   `koanf:"events"`
	Media    MediaConfig    `koanf:"media"`
	Stream   StreamConfig   `koanf:"stream"`
	Cloud    CloudConfig    `koanf:"cloud"`
	NATS     NATSConfig     `koanf:"nats"`
	Database DatabaseConfig `koanf:"database"`
	Security SecurityConfig `koanf:"security"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
	Caller bool   `koanf:"caller"`
}

// EventsConfig holds session-aggregation tunables.
type EventsConfig struct {
	// IdleTimeout finalizes a session after this much quiet.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// OldestEventAge drops messages older than this when no session is
	// open for them.
	OldestEventAge time.Duration `koanf:"oldest_event_age"`

	// QueueSize bounds the dispatcher's inbound channel.
	QueueSize int `koanf:"queue_size"`
}

// MediaConfig holds media cache and store tunables.
type MediaConfig struct {
	Dir           string        `koanf:"dir"`
	MemoryEntries int           `koanf:"memory_entries"`
	FileLRUSize   int           `koanf:"file_lru_size"`
	SaveDelay     time.Duration `koanf:"save_delay"`
	Retention     time.Duration `koanf:"retention"`
	Workers       int           `koanf:"workers"`

	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// StreamConfig holds live-stream token tunables.
type StreamConfig struct {
	RenewalBuffer      time.Duration `koanf:"renewal_buffer"`
	MinRefreshInterval time.Duration `koanf:"min_refresh_interval"`
}

// CloudConfig holds upstream camera API settings.
type CloudConfig struct {
	BaseURL                 string        `koanf:"base_url"`
	AccessToken             string        `koanf:"access_token"`
	Timeout                 time.Duration `koanf:"timeout"`
	RequestsPerSecond       float64       `koanf:"requests_per_second"`
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout"`
}

// NATSConfig holds push-transport settings.
type NATSConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	StreamName     string `koanf:"stream_name"`
	Topic          string `koanf:"topic"`
	DurableName    string `koanf:"durable_name"`
	QueueGroup     string `koanf:"queue_group"`
	PoisonTopic    string `koanf:"poison_topic"`
}

// DatabaseConfig holds the badger store location.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// SecurityConfig holds the HTTP surface's auth settings.
type SecurityConfig struct {
	// JWTSecret signs and verifies API tokens. Required unless auth is
	// disabled.
	JWTSecret string `koanf:"jwt_secret"`

	// AuthDisabled turns off JWT verification. Development only.
	AuthDisabled bool `koanf:"auth_disabled"`

	// SessionTimeout bounds how long an issued token stays valid.
	SessionTimeout time.Duration `koanf:"session_timeout"`

	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`

	// CasbinModelPath and CasbinPolicyPath point at authorization files;
	// empty uses the built-in model and an allow-all policy.
	CasbinModelPath  string `koanf:"casbin_model_path"`
	CasbinPolicyPath string `koanf:"casbin_policy_path"`
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateMedia(); err != nil {
		return err
	}
	if err := c.validateCloud(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("SERVER_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) validateMedia() error {
	if c.Media.Dir == "" {
		return fmt.Errorf("MEDIA_DIR is required")
	}
	if c.Media.MemoryEntries < 1 {
		return fmt.Errorf("MEDIA_MEMORY_ENTRIES must be at least 1")
	}
	if c.Media.Retention <= 0 {
		return fmt.Errorf("MEDIA_RETENTION must be positive")
	}
	return nil
}

func (c *Config) validateCloud() error {
	if c.Cloud.BaseURL == "" {
		return fmt.Errorf("CLOUD_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Cloud.BaseURL, "http://") && !strings.HasPrefix(c.Cloud.BaseURL, "https://") {
		return fmt.Errorf("CLOUD_BASE_URL must start with http:// or https://")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if c.Security.AuthDisabled {
		return nil
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("SECURITY_JWT_SECRET is required (or set SECURITY_AUTH_DISABLED=true)")
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("SECURITY_JWT_SECRET must be at least 32 characters")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("LOGGING_LEVEL must be one of trace, debug, info, warn, error, fatal; got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("LOGGING_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
