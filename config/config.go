// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/metergate/domain/key"
	"github.com/artpar/metergate/domain/tier"
)

// Billing modes.
const (
	BillingModeTest = "test"
	BillingModeLive = "live"
)

// Cache drivers.
const (
	CacheDriverMemory = "memory"
	CacheDriverRedis  = "redis"
	CacheDriverSQLite = "sqlite"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig   `yaml:"server"`
	Upstream    UpstreamConfig `yaml:"upstream"`
	Auth        AuthConfig     `yaml:"auth"`
	Billing     BillingConfig  `yaml:"billing"`
	Usage       UsageConfig    `yaml:"usage"`
	Cache       CacheConfig    `yaml:"cache"`
	Tiers       []TierConfig   `yaml:"tiers"`
	DefaultTier string         `yaml:"default_tier"`
	Logging     LoggingConfig  `yaml:"logging"`
	Metrics     MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UpstreamConfig configures the origin service.
type UpstreamConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// AuthConfig configures caller identification.
type AuthConfig struct {
	KeyPrefix string      `yaml:"key_prefix"`
	JWTSecret string      `yaml:"jwt_secret,omitempty"` // Enables bearer JWT callers when set
	Keys      []KeyConfig `yaml:"keys"`
}

// KeyConfig is one static API key. Only its bcrypt hash is configured.
type KeyConfig struct {
	Prefix            string     `yaml:"prefix"` // First 12 chars of the raw key
	Hash              string     `yaml:"hash"`   // bcrypt hash of the raw key
	Subject           string     `yaml:"subject"`
	Tier              string     `yaml:"tier"`
	BillingAccountRef string     `yaml:"billing_account_ref,omitempty"`
	ExpiresAt         *time.Time `yaml:"expires_at,omitempty"`
}

// Key converts the entry to a domain key.
func (k KeyConfig) Key() key.Key {
	return key.Key{
		Prefix:            k.Prefix,
		Hash:              []byte(k.Hash),
		SubjectID:         k.Subject,
		Tier:              k.Tier,
		BillingAccountRef: k.BillingAccountRef,
		ExpiresAt:         k.ExpiresAt,
	}
}

// BillingConfig configures the billing provider.
// Each mode has its own credential; only the active mode's key is used.
type BillingConfig struct {
	Mode          string        `yaml:"mode"` // "test" or "live"
	TestKey       string        `yaml:"test_key,omitempty"`
	LiveKey       string        `yaml:"live_key,omitempty"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	ReportTimeout time.Duration `yaml:"report_timeout"`
}

// APIKey returns the credential of the active mode. Empty means billing is
// not configured.
func (b BillingConfig) APIKey() string {
	if b.Mode == BillingModeLive {
		return b.LiveKey
	}
	return b.TestKey
}

// UsageConfig configures the usage snapshot cache.
type UsageConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// CacheConfig configures the shared cache.
type CacheConfig struct {
	Driver string            `yaml:"driver"` // "memory", "redis" or "sqlite"
	Memory MemoryCacheConfig `yaml:"memory"`
	Redis  RedisCacheConfig  `yaml:"redis"`
	SQLite SQLiteCacheConfig `yaml:"sqlite"`
}

// MemoryCacheConfig configures the in-process cache.
type MemoryCacheConfig struct {
	Size int `yaml:"size"`
}

// RedisCacheConfig configures the Redis cache.
type RedisCacheConfig struct {
	URL          string        `yaml:"url"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SQLiteCacheConfig configures the SQLite cache.
type SQLiteCacheConfig struct {
	Path          string `yaml:"path"`
	PurgeSchedule string `yaml:"purge_schedule"` // cron spec
}

// TierConfig configures one pricing tier.
type TierConfig struct {
	Name              string  `yaml:"name"`
	MonthlyQuota      int64   `yaml:"monthly_quota"`
	RequestsPerWindow int     `yaml:"requests_per_window"`
	WindowMinutes     int     `yaml:"window_minutes"`
	OverageRate       float64 `yaml:"overage_rate_per_thousand"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TierRegistry builds the tier table. No configured tiers means the built-in table.
func (c *Config) TierRegistry() (*tier.Registry, error) {
	if len(c.Tiers) == 0 {
		if c.DefaultTier == "" || c.DefaultTier == tier.DefaultName {
			return tier.Defaults(), nil
		}
		return tier.NewRegistry(tier.DefaultSpecs(), c.DefaultTier)
	}

	specs := make([]tier.Spec, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		specs = append(specs, tier.Spec{
			Name:                   t.Name,
			MonthlyQuota:           t.MonthlyQuota,
			RequestsPerWindow:      t.RequestsPerWindow,
			WindowMinutes:          t.WindowMinutes,
			OverageRatePerThousand: t.OverageRate,
		})
	}
	return tier.NewRegistry(specs, c.DefaultTier)
}

// APIKeys returns the configured static keys.
func (c *Config) APIKeys() []key.Key {
	keys := make([]key.Key, 0, len(c.Auth.Keys))
	for _, k := range c.Auth.Keys {
		keys = append(keys, k.Key())
	}
	return keys
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds configuration from YAML bytes.
// Environment variables are expanded first and METERGATE_* overrides applied last.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	METERGATE_UPSTREAM_URL      - Origin URL (required)
//	METERGATE_SERVER_HOST       - Server host (default: 0.0.0.0)
//	METERGATE_SERVER_PORT       - Server port (default: 8080)
//	METERGATE_BILLING_MODE      - test or live (default: test)
//	METERGATE_BILLING_TEST_KEY  - Provider credential for test mode
//	METERGATE_BILLING_LIVE_KEY  - Provider credential for live mode
//	METERGATE_BILLING_BASE_URL  - Provider base URL
//	METERGATE_CACHE_DRIVER      - memory, redis or sqlite (default: memory)
//	METERGATE_CACHE_REDIS_URL   - Redis URL
//	METERGATE_CACHE_SQLITE_PATH - SQLite cache file
//	METERGATE_AUTH_JWT_SECRET   - Enables JWT callers
//	METERGATE_LOG_LEVEL         - debug, info, warn, error (default: info)
//	METERGATE_LOG_FORMAT        - json or console (default: json)
//	METERGATE_METRICS_ENABLED   - Enable /metrics (default: true)
func LoadFromEnv() (*Config, error) {
	cfg := Config{Metrics: MetricsConfig{Enabled: true}}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadWithFallback loads path when it exists, otherwise the environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	if HasEnvConfig() {
		return LoadFromEnv()
	}
	return nil, fmt.Errorf("no configuration found: provide a config file or set METERGATE_UPSTREAM_URL")
}

// HasEnvConfig returns true if essential environment variables are set.
func HasEnvConfig() bool {
	return os.Getenv("METERGATE_UPSTREAM_URL") != ""
}

// applyEnvOverrides applies METERGATE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Host, "METERGATE_SERVER_HOST")
	setInt(&cfg.Server.Port, "METERGATE_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "METERGATE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "METERGATE_SERVER_WRITE_TIMEOUT")

	setString(&cfg.Upstream.URL, "METERGATE_UPSTREAM_URL")
	setDuration(&cfg.Upstream.Timeout, "METERGATE_UPSTREAM_TIMEOUT")

	setString(&cfg.Auth.KeyPrefix, "METERGATE_AUTH_KEY_PREFIX")
	setString(&cfg.Auth.JWTSecret, "METERGATE_AUTH_JWT_SECRET")

	setString(&cfg.Billing.Mode, "METERGATE_BILLING_MODE")
	setString(&cfg.Billing.TestKey, "METERGATE_BILLING_TEST_KEY")
	setString(&cfg.Billing.LiveKey, "METERGATE_BILLING_LIVE_KEY")
	setString(&cfg.Billing.BaseURL, "METERGATE_BILLING_BASE_URL")
	setDuration(&cfg.Billing.Timeout, "METERGATE_BILLING_TIMEOUT")

	setDuration(&cfg.Usage.CacheTTL, "METERGATE_USAGE_CACHE_TTL")

	setString(&cfg.Cache.Driver, "METERGATE_CACHE_DRIVER")
	setString(&cfg.Cache.Redis.URL, "METERGATE_CACHE_REDIS_URL")
	setString(&cfg.Cache.Redis.Password, "METERGATE_CACHE_REDIS_PASSWORD")
	setString(&cfg.Cache.SQLite.Path, "METERGATE_CACHE_SQLITE_PATH")

	setString(&cfg.DefaultTier, "METERGATE_DEFAULT_TIER")

	setString(&cfg.Logging.Level, "METERGATE_LOG_LEVEL")
	setString(&cfg.Logging.Format, "METERGATE_LOG_FORMAT")

	if v := os.Getenv("METERGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	setString(&cfg.Metrics.Path, "METERGATE_METRICS_PATH")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}

	if cfg.Auth.KeyPrefix == "" {
		cfg.Auth.KeyPrefix = key.DefaultPrefix
	}

	if cfg.Billing.Mode == "" {
		cfg.Billing.Mode = BillingModeTest
	}
	if cfg.Billing.BaseURL == "" {
		cfg.Billing.BaseURL = "https://api.stripe.com"
	}
	if cfg.Billing.Timeout == 0 {
		cfg.Billing.Timeout = 5 * time.Second
	}
	if cfg.Billing.ReportTimeout == 0 {
		cfg.Billing.ReportTimeout = 10 * time.Second
	}

	if cfg.Usage.CacheTTL == 0 {
		cfg.Usage.CacheTTL = 60 * time.Second
	}

	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = CacheDriverMemory
	}
	if cfg.Cache.Memory.Size == 0 {
		cfg.Cache.Memory.Size = 100_000
	}
	if cfg.Cache.SQLite.Path == "" {
		cfg.Cache.SQLite.Path = "metergate-cache.db"
	}
	if cfg.Cache.SQLite.PurgeSchedule == "" {
		cfg.Cache.SQLite.PurgeSchedule = "*/5 * * * *"
	}

	if cfg.DefaultTier == "" {
		cfg.DefaultTier = tier.DefaultName
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}

	if cfg.Billing.Mode != BillingModeTest && cfg.Billing.Mode != BillingModeLive {
		return fmt.Errorf("billing.mode must be 'test' or 'live', got %q", cfg.Billing.Mode)
	}

	validDrivers := map[string]bool{CacheDriverMemory: true, CacheDriverRedis: true, CacheDriverSQLite: true}
	if !validDrivers[cfg.Cache.Driver] {
		return fmt.Errorf("cache.driver must be one of: memory, redis, sqlite, got %q", cfg.Cache.Driver)
	}
	if cfg.Cache.Driver == CacheDriverRedis && cfg.Cache.Redis.URL == "" {
		return fmt.Errorf("cache.redis.url is required when cache.driver is 'redis'")
	}
	if cfg.Usage.CacheTTL < 0 {
		return fmt.Errorf("usage.cache_ttl must not be negative")
	}

	if _, err := cfg.TierRegistry(); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}

	for i, k := range cfg.Auth.Keys {
		if len(k.Prefix) != key.LookupLen {
			return fmt.Errorf("auth.keys[%d].prefix must be %d characters", i, key.LookupLen)
		}
		if !strings.HasPrefix(k.Prefix, cfg.Auth.KeyPrefix) {
			return fmt.Errorf("auth.keys[%d].prefix must start with %q", i, cfg.Auth.KeyPrefix)
		}
		if !strings.HasPrefix(k.Hash, "$2") {
			return fmt.Errorf("auth.keys[%d].hash must be a bcrypt hash", i)
		}
		if k.Subject == "" {
			return fmt.Errorf("auth.keys[%d].subject is required", i)
		}
	}

	if cfg.Auth.JWTSecret != "" && len(cfg.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 characters")
	}

	return nil
}

// Redacted returns a copy of cfg with credentials masked, for display.
func (c Config) Redacted() Config {
	c.Billing.TestKey = redact(c.Billing.TestKey)
	c.Billing.LiveKey = redact(c.Billing.LiveKey)
	c.Auth.JWTSecret = redact(c.Auth.JWTSecret)
	c.Cache.Redis.Password = redact(c.Cache.Redis.Password)
	keys := make([]KeyConfig, len(c.Auth.Keys))
	for i, k := range c.Auth.Keys {
		k.Hash = redact(k.Hash)
		keys[i] = k
	}
	c.Auth.Keys = keys
	return c
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}
