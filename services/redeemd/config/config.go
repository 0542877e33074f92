package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	telemetry "fundcard/observability/otel"
	"fundcard/services/redeemd/token"
)

// Duration wraps time.Duration to support human readable strings in both YAML
// and TOML files.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for redeemd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"env" toml:"env"`
	LogLevel      string          `yaml:"log_level" toml:"log_level"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Redis         RedisConfig     `yaml:"redis" toml:"redis"`
	Token         TokenConfig     `yaml:"token" toml:"token"`
	Fraud         FraudConfig     `yaml:"fraud" toml:"fraud"`
	Ledger        LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Directory     DirectoryConfig `yaml:"directory" toml:"directory"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	Throttle      ThrottleConfig  `yaml:"throttle" toml:"throttle"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// DatabaseConfig selects the shared relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	// Path is the sqlite file used when Driver is sqlite and DSN is empty.
	Path             string   `yaml:"path" toml:"path"`
	MaxOpenConns     int      `yaml:"max_open_conns" toml:"max_open_conns"`
	ConnMaxLifetime  Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
	MigrateDirectory bool     `yaml:"migrate_directory" toml:"migrate_directory"`
}

// RedisConfig enables the Redis counter store. When Addr is empty the counter
// store falls back to the shared database.
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Username  string `yaml:"username" toml:"username"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// TokenConfig configures the signing key ring.
type TokenConfig struct {
	ActiveKey  string            `yaml:"active_key" toml:"active_key"`
	Keys       map[string]string `yaml:"keys" toml:"keys"`
	DefaultTTL Duration          `yaml:"default_ttl" toml:"default_ttl"`
	MaxTTL     Duration          `yaml:"max_ttl" toml:"max_ttl"`
}

// FraudConfig holds the screening thresholds.
type FraudConfig struct {
	Window          Duration `yaml:"window" toml:"window"`
	SoftLimit       int64    `yaml:"soft_limit" toml:"soft_limit"`
	HardLimit       int64    `yaml:"hard_limit" toml:"hard_limit"`
	GeoThresholdKm  float64  `yaml:"geo_threshold_km" toml:"geo_threshold_km"`
	DuplicateWindow Duration `yaml:"duplicate_window" toml:"duplicate_window"`
	Timeout         Duration `yaml:"timeout" toml:"timeout"`
	FailOpen        *bool    `yaml:"fail_open" toml:"fail_open"`
	PruneInterval   Duration `yaml:"prune_interval" toml:"prune_interval"`
}

// LedgerConfig bounds the ledger write.
type LedgerConfig struct {
	Timeout        Duration `yaml:"timeout" toml:"timeout"`
	RequeryTimeout Duration `yaml:"requery_timeout" toml:"requery_timeout"`
}

// DirectoryConfig bounds offer and location lookups.
type DirectoryConfig struct {
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// AuthConfig controls JWT verification for callers.
type AuthConfig struct {
	Issuer           string            `yaml:"issuer" toml:"issuer"`
	Audience         []string          `yaml:"audience" toml:"audience"`
	Alg              string            `yaml:"alg" toml:"alg"`
	HSSecretEnv      string            `yaml:"hs_secret_env" toml:"hs_secret_env"`
	RSAPublicKeyFile string            `yaml:"rsa_public_key_file" toml:"rsa_public_key_file"`
	RoleClaim        string            `yaml:"role_claim" toml:"role_claim"`
	RoleMap          map[string]string `yaml:"role_map" toml:"role_map"`
	MaxSkew          Duration          `yaml:"max_skew" toml:"max_skew"`
}

// ThrottleConfig limits requests per terminal.
type ThrottleConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool              `yaml:"enabled" toml:"enabled"`
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool              `yaml:"insecure" toml:"insecure"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from path, applies defaults and environment
// overrides, then validates. The format follows the file extension: .toml is
// decoded as TOML, anything else as YAML. An empty path loads defaults and the
// environment only.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return cfg, err
		}
	}
	applyDefaults(&cfg)
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode toml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode yaml config: %w", err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8086"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "redeemd.sqlite"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.ConnMaxLifetime.Duration == 0 {
		cfg.Database.ConnMaxLifetime.Duration = 30 * time.Minute
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "redeemd:"
	}
	if cfg.Token.DefaultTTL.Duration == 0 {
		cfg.Token.DefaultTTL.Duration = 10 * time.Minute
	}
	if cfg.Token.MaxTTL.Duration == 0 {
		cfg.Token.MaxTTL.Duration = 24 * time.Hour
	}
	if cfg.Fraud.Window.Duration == 0 {
		cfg.Fraud.Window.Duration = time.Minute
	}
	if cfg.Fraud.SoftLimit == 0 {
		cfg.Fraud.SoftLimit = 5
	}
	if cfg.Fraud.HardLimit == 0 {
		cfg.Fraud.HardLimit = 10
	}
	if cfg.Fraud.GeoThresholdKm == 0 {
		cfg.Fraud.GeoThresholdKm = 50
	}
	if cfg.Fraud.DuplicateWindow.Duration == 0 {
		cfg.Fraud.DuplicateWindow.Duration = 5 * time.Second
	}
	if cfg.Fraud.Timeout.Duration == 0 {
		cfg.Fraud.Timeout.Duration = 500 * time.Millisecond
	}
	if cfg.Fraud.FailOpen == nil {
		failOpen := true
		cfg.Fraud.FailOpen = &failOpen
	}
	if cfg.Fraud.PruneInterval.Duration == 0 {
		cfg.Fraud.PruneInterval.Duration = time.Minute
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = 3 * time.Second
	}
	if cfg.Ledger.RequeryTimeout.Duration == 0 {
		cfg.Ledger.RequeryTimeout.Duration = 2 * time.Second
	}
	if cfg.Directory.Timeout.Duration == 0 {
		cfg.Directory.Timeout.Duration = 2 * time.Second
	}
	if cfg.Auth.Alg == "" {
		cfg.Auth.Alg = "HS256"
	}
	if cfg.Auth.HSSecretEnv == "" && strings.EqualFold(cfg.Auth.Alg, "HS256") {
		cfg.Auth.HSSecretEnv = "REDEEMD_JWT_SECRET"
	}
	if cfg.Auth.RoleClaim == "" {
		cfg.Auth.RoleClaim = "role"
	}
	if cfg.Auth.MaxSkew.Duration == 0 {
		cfg.Auth.MaxSkew.Duration = 30 * time.Second
	}
	if cfg.Throttle.RequestsPerMinute == 0 {
		cfg.Throttle.RequestsPerMinute = 120
	}
	if cfg.Throttle.Burst == 0 {
		cfg.Throttle.Burst = 20
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4318"
	}
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("REDEEMD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(getenv("REDEEMD_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(getenv("REDEEMD_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(getenv("REDEEMD_DB_DRIVER")); v != "" {
		cfg.Database.Driver = v
	}
	if v := strings.TrimSpace(getenv("REDEEMD_DB_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(getenv("REDEEMD_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(getenv("REDEEMD_TOKEN_KEYS")); v != "" {
		ring, err := token.ParseKeyRing(v)
		if err != nil {
			return fmt.Errorf("REDEEMD_TOKEN_KEYS: %w", err)
		}
		cfg.Token.Keys = make(map[string]string, len(ring))
		for id, secret := range ring {
			cfg.Token.Keys[id] = string(secret)
		}
	}
	if v := strings.TrimSpace(getenv("REDEEMD_TOKEN_ACTIVE_KEY")); v != "" {
		cfg.Token.ActiveKey = v
	}
	if v := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_HEADERS")); v != "" {
		if cfg.Telemetry.Headers == nil {
			cfg.Telemetry.Headers = map[string]string{}
		}
		for key, value := range telemetry.ParseHeaders(v) {
			cfg.Telemetry.Headers[key] = value
		}
	}
	return nil
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database dsn required for postgres")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if len(c.Token.Keys) == 0 {
		return fmt.Errorf("at least one token key must be configured")
	}
	if _, ok := c.Token.Keys[c.Token.ActiveKey]; !ok {
		return fmt.Errorf("token active key %q is not configured", c.Token.ActiveKey)
	}
	if c.Token.DefaultTTL.Duration > c.Token.MaxTTL.Duration {
		return fmt.Errorf("token default_ttl exceeds max_ttl")
	}
	if c.Fraud.SoftLimit > c.Fraud.HardLimit {
		return fmt.Errorf("fraud soft_limit exceeds hard_limit")
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		return fmt.Errorf("auth issuer required")
	}
	if len(c.Auth.Audience) == 0 {
		return fmt.Errorf("auth audience required")
	}
	if c.Throttle.RequestsPerMinute < 0 || c.Throttle.Burst < 0 {
		return fmt.Errorf("throttle values must not be negative")
	}
	return nil
}

// KeyRing returns the configured token secrets as bytes.
func (c Config) KeyRing() map[string][]byte {
	ring := make(map[string][]byte, len(c.Token.Keys))
	for id, secret := range c.Token.Keys {
		ring[id] = []byte(secret)
	}
	return ring
}
