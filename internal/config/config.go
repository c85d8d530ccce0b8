// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DATABASE_URL becomes
// database_url in YAML.
//
// The credential store is the only hard dependency. Redis (rate limiting) and
// ClickHouse (request analytics) are optional.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Store selects and locates the credential / access-token database.
	Store StoreConfig

	// Upstream describes the chat-completion platform and how it is called.
	Upstream UpstreamConfig

	// Credentials controls the order in which credentials are attempted.
	Credentials CredentialConfig

	// Redis holds the connection URL for the rate limiter.
	// Required only when RPM_LIMIT > 0.
	Redis RedisConfig

	// RateLimit controls per-access-token request-rate limiting.
	RateLimit RateLimitConfig

	// ClickHouse enables the analytics sink for the request log.
	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// WriteTimeout bounds a single response write, including streamed ones.
	// Default: 10m.
	WriteTimeout time.Duration
}

// StoreConfig locates the credential store.
type StoreConfig struct {
	// Driver is "postgres" or "sqlite". Default: postgres.
	Driver string
	// DatabaseURL is the PostgreSQL connection URL. Required for postgres.
	DatabaseURL string
	// SQLitePath is the database file for the sqlite driver. Default: gateway.db.
	SQLitePath string
}

// DSN returns the data source for the selected driver.
func (s StoreConfig) DSN() string {
	if s.Driver == "sqlite" {
		return s.SQLitePath
	}
	return s.DatabaseURL
}

// UpstreamConfig configures the outbound platform calls.
type UpstreamConfig struct {
	// URL is the chat-completion endpoint.
	// Default: https://api.atlassian.com/ai/chat/completions.
	URL string

	// AttemptTimeout bounds one attempt with one credential. For streaming
	// requests it bounds the wait for response headers. Default: 30s.
	AttemptTimeout time.Duration

	// ModelAliases maps caller-facing model names to upstream model labels.
	// Unmapped names are forwarded as-is.
	ModelAliases map[string]string
}

// CredentialConfig controls credential ordering.
type CredentialConfig struct {
	// Ordering is "health" (recently successful credentials first, recently
	// failed ones last) or "store" (plain insertion order). Default: store.
	Ordering string

	// FailureCooldown is how long a failure demotes a credential under the
	// "health" ordering. 0 disables demotion. Default: 60s.
	FailureCooldown time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per access token.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// ClickHouseConfig configures the request-log analytics sink.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// URL. Empty disables the sink.
	DSN string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("WRITE_TIMEOUT", "10m")

	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("SQLITE_PATH", "gateway.db")

	v.SetDefault("UPSTREAM_URL", "https://api.atlassian.com/ai/chat/completions")
	v.SetDefault("ATTEMPT_TIMEOUT", "30s")

	v.SetDefault("CREDENTIAL_ORDERING", "store")
	v.SetDefault("CREDENTIAL_FAILURE_COOLDOWN", "60s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	aliases, err := modelAliases(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("STORE_DRIVER")),
			DatabaseURL: v.GetString("DATABASE_URL"),
			SQLitePath:  v.GetString("SQLITE_PATH"),
		},

		Upstream: UpstreamConfig{
			URL:            v.GetString("UPSTREAM_URL"),
			AttemptTimeout: v.GetDuration("ATTEMPT_TIMEOUT"),
			ModelAliases:   aliases,
		},

		Credentials: CredentialConfig{
			Ordering:        strings.ToLower(v.GetString("CREDENTIAL_ORDERING")),
			FailureCooldown: v.GetDuration("CREDENTIAL_FAILURE_COOLDOWN"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		ClickHouse: ClickHouseConfig{DSN: v.GetString("CLICKHOUSE_DSN")},

		CORSOrigins:  v.GetStringSlice("CORS_ORIGINS"),
		WriteTimeout: v.GetDuration("WRITE_TIMEOUT"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf(
				"config: DATABASE_URL is required when STORE_DRIVER=postgres; " +
					"set STORE_DRIVER=sqlite to use a local database file",
			)
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH must not be empty when STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf(
			"config: invalid STORE_DRIVER %q; must be one of: postgres, sqlite",
			c.Store.Driver,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Credentials.Ordering {
	case "health", "store":
	default:
		return fmt.Errorf(
			"config: invalid CREDENTIAL_ORDERING %q; must be one of: health, store",
			c.Credentials.Ordering,
		)
	}

	if c.Upstream.URL == "" {
		return fmt.Errorf("config: UPSTREAM_URL must not be empty")
	}
	if c.Upstream.AttemptTimeout <= 0 {
		return fmt.Errorf("config: ATTEMPT_TIMEOUT must be a positive duration")
	}
	if c.Credentials.FailureCooldown < 0 {
		return fmt.Errorf("config: CREDENTIAL_FAILURE_COOLDOWN must not be negative")
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	return nil
}

// modelAliases reads MODEL_ALIASES either as a YAML map or as an env string
// of the form "alias=model,alias2=model2".
func modelAliases(v *viper.Viper) (map[string]string, error) {
	if m := v.GetStringMapString("MODEL_ALIASES"); len(m) > 0 {
		return m, nil
	}

	raw := strings.TrimSpace(v.GetString("MODEL_ALIASES"))
	if raw == "" {
		return nil, nil
	}

	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		from, to, ok := strings.Cut(pair, "=")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("config: invalid MODEL_ALIASES entry %q; expected alias=model", pair)
		}
		out[from] = to
	}
	return out, nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
