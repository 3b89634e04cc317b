// Package config loads the service configuration: a YAML file with
// environment variable expansion, defaults for everything, and validation
// with descriptive errors. Configuration is read once at startup; there is
// no hot reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Redis   RedisConfig   `yaml:"redis"`
	AI      AIConfig      `yaml:"ai"`
	Gateway GatewayConfig `yaml:"gateway"`
	Archive ArchiveConfig `yaml:"archive"`
	Secrets SecretsConfig `yaml:"secrets"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig controls session lifetimes. TTL is both the idle expiry
// deadline for active sessions and the reconnect grace period for
// disconnected ones.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RedisConfig describes the external key-value store used for session
// durability. When disabled the service runs purely in memory and every
// store-backed feature degrades gracefully.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"` // literal, env:// or vault:// reference
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// AIConfig selects the completion provider and its caching behavior.
type AIConfig struct {
	// Provider names the backend to activate. Unknown or unavailable names
	// fall back to the built-in stub at startup rather than failing.
	Provider string `yaml:"provider"`

	// Temperature and MaxTokens are passed to every provider call and take
	// part in completion cache keys.
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`

	OpenAI OpenAIConfig          `yaml:"openai"`
	Cache  CompletionCacheConfig `yaml:"cache"`
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey  string        `yaml:"api_key"` // literal, env:// or vault:// reference
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// CompletionCacheConfig bounds the completion cache. TTL zero uses the
// service default; a negative TTL keeps entries until capacity evicts them.
type CompletionCacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

// GatewayConfig bounds inbound client traffic.
type GatewayConfig struct {
	MaxMessageBytes int             `yaml:"max_message_bytes"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig defines the per-client message rate.
type RateLimitConfig struct {
	MessagesPerMinute int           `yaml:"messages_per_minute"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// ArchiveConfig controls transcript archival to S3-compatible storage.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	AccessKeyID   string        `yaml:"access_key_id"` // literal, env:// or vault:// reference
	SecretKey     string        `yaml:"secret_key"`    // literal, env:// or vault:// reference
	Endpoint      string        `yaml:"endpoint"`      // custom endpoint for MinIO and friends
	PathPrefix    string        `yaml:"path_prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// SecretsConfig configures resolution of secret references in other
// sections. env:// works unconditionally; vault:// needs the Vault block.
type SecretsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    VaultConfig   `yaml:"vault"`
}

// VaultConfig holds HashiCorp Vault connection and login settings.
type VaultConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // approle, cert
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// DefaultConfig returns a configuration with sensible defaults: a purely
// in-memory service answering with the stub provider.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			TTL:           30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			KeyPrefix:    "parley:",
			DialTimeout:  5 * time.Second,
			ProbeTimeout: 2 * time.Second,
		},
		AI: AIConfig{
			Provider: "stub",
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
				Timeout: 60 * time.Second,
			},
			Cache: CompletionCacheConfig{
				Enabled: true,
				TTL:     5 * time.Minute,
				MaxSize: 256,
			},
		},
		Gateway: GatewayConfig{
			MaxMessageBytes: 8192,
			RateLimit: RateLimitConfig{
				MessagesPerMinute: 60,
				Burst:             10,
				IdleTTL:           10 * time.Minute,
			},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			FlushInterval: 10 * time.Second,
			BatchSize:     100,
		},
		Secrets: SecretsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "parley",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Session.TTL < 0 {
		return fmt.Errorf("session.ttl cannot be negative")
	}
	if c.Session.SweepInterval < 0 {
		return fmt.Errorf("session.sweep_interval cannot be negative")
	}

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			return fmt.Errorf("redis.host is required when redis is enabled")
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			return fmt.Errorf("invalid redis port: %d", c.Redis.Port)
		}
		if c.Redis.DB < 0 {
			return fmt.Errorf("redis.db cannot be negative")
		}
	}

	if c.AI.MaxTokens < 0 {
		return fmt.Errorf("ai.max_tokens cannot be negative")
	}
	if c.AI.Temperature != nil && (*c.AI.Temperature < 0 || *c.AI.Temperature > 2) {
		return fmt.Errorf("ai.temperature must be between 0 and 2")
	}
	if c.AI.Cache.MaxSize < 0 {
		return fmt.Errorf("ai.cache.max_size cannot be negative")
	}
	if c.AI.OpenAI.Timeout < 0 {
		return fmt.Errorf("ai.openai.timeout cannot be negative")
	}

	if c.Gateway.MaxMessageBytes < 0 {
		return fmt.Errorf("gateway.max_message_bytes cannot be negative")
	}
	if c.Gateway.RateLimit.MessagesPerMinute < 0 {
		return fmt.Errorf("gateway.rate_limit.messages_per_minute cannot be negative")
	}
	if c.Gateway.RateLimit.Burst < 0 {
		return fmt.Errorf("gateway.rate_limit.burst cannot be negative")
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archiving is enabled")
		}
		if c.Archive.BatchSize < 0 {
			return fmt.Errorf("archive.batch_size cannot be negative")
		}
	}

	if c.Secrets.Vault.Enabled {
		if c.Secrets.Vault.Address == "" {
			return fmt.Errorf("secrets.vault.address is required when vault is enabled")
		}
		switch c.Secrets.Vault.AuthMethod {
		case "approle":
			if c.Secrets.Vault.RoleID == "" {
				return fmt.Errorf("secrets.vault.role_id is required for approle auth")
			}
		case "cert":
			if c.Secrets.Vault.ClientCert == "" || c.Secrets.Vault.ClientKey == "" {
				return fmt.Errorf("secrets.vault.client_cert and client_key are required for cert auth")
			}
		default:
			return fmt.Errorf("unknown secrets.vault.auth_method: %q", c.Secrets.Vault.AuthMethod)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /: %q", c.Metrics.Path)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0")
	}

	return nil
}
