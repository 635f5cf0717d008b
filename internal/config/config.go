// Package config loads the engine configuration from a YAML file with
// environment variable overrides. Secrets are never stored in the file:
// provider entries name the env var that holds each credential, and a
// missing var removes that account from rotation instead of failing startup.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Database  DatabaseConfig          `yaml:"database"`
	Redis     RedisConfig             `yaml:"redis"`
	Sending   SendingConfig           `yaml:"sending"`
	Providers []ProviderAccountConfig `yaml:"providers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection for the shared usage ledger.
// When disabled, workers fall back to the in-process ledger.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// SendingConfig holds dispatch pacing and envelope defaults.
type SendingConfig struct {
	MaxRetries              int    `yaml:"max_retries"`
	MiniBatchSize           int    `yaml:"mini_batch_size"`
	MiniBatchStaggerSeconds int    `yaml:"mini_batch_stagger_seconds"`
	BatchCooldownMinutes    int    `yaml:"batch_cooldown_minutes"`
	DefaultBatchSize        int    `yaml:"default_batch_size"`
	FromName                string `yaml:"from_name"`
	FromEmail               string `yaml:"from_email"`
	ReplyTo                 string `yaml:"reply_to"`
	UnsubscribeBaseURL      string `yaml:"unsubscribe_base_url"`
	MidnightDailyReset      *bool  `yaml:"midnight_daily_reset"`
}

// MiniBatchStagger returns the delay step between mini-batches.
func (c SendingConfig) MiniBatchStagger() time.Duration {
	return time.Duration(c.MiniBatchStaggerSeconds) * time.Second
}

// BatchCooldown returns the fixed delay between consecutive batches.
func (c SendingConfig) BatchCooldown() time.Duration {
	return time.Duration(c.BatchCooldownMinutes) * time.Minute
}

// MidnightReset reports whether daily counters reset at local midnight
// (default) rather than on a sliding 24h window.
func (c SendingConfig) MidnightReset() bool {
	if c.MidnightDailyReset == nil {
		return true
	}
	return *c.MidnightDailyReset
}

// ProviderAccountConfig describes one vendor account in rotation.
// Credentials are resolved from the named environment variables at startup.
type ProviderAccountConfig struct {
	Provider     string `yaml:"provider"`   // "sendgrid", "brevo", "mailjet", "ses"
	AccountID    string `yaml:"account_id"` // distinguishes multiple accounts per vendor
	APIKeyEnv    string `yaml:"api_key_env"`
	APISecretEnv string `yaml:"api_secret_env"` // mailjet secret / ses secret key
	Region       string `yaml:"region"`         // ses only
	HourlyLimit  int    `yaml:"hourly_limit"`
	DailyLimit   int    `yaml:"daily_limit"`
	Enabled      bool   `yaml:"enabled"`
}

// APIKey resolves the account's primary credential from the environment.
func (c ProviderAccountConfig) APIKey() string { return os.Getenv(c.APIKeyEnv) }

// APISecret resolves the account's secondary credential from the environment.
func (c ProviderAccountConfig) APISecret() string { return os.Getenv(c.APISecretEnv) }

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Sending.MaxRetries == 0 {
		cfg.Sending.MaxRetries = 3
	}
	if cfg.Sending.MiniBatchSize == 0 {
		cfg.Sending.MiniBatchSize = 30
	}
	if cfg.Sending.MiniBatchStaggerSeconds == 0 {
		cfg.Sending.MiniBatchStaggerSeconds = 10
	}
	if cfg.Sending.BatchCooldownMinutes == 0 {
		cfg.Sending.BatchCooldownMinutes = 30
	}
	if cfg.Sending.DefaultBatchSize == 0 {
		cfg.Sending.DefaultBatchSize = 500
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
		cfg.Redis.Enabled = true
	}
	if fromEmail := os.Getenv("NEWSLETTER_FROM_EMAIL"); fromEmail != "" {
		cfg.Sending.FromEmail = fromEmail
	}
	if fromName := os.Getenv("NEWSLETTER_FROM_NAME"); fromName != "" {
		cfg.Sending.FromName = fromName
	}

	return cfg, nil
}
