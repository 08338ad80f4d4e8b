// Package config loads the ledger configuration: defaults, then an optional
// YAML or TOML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/epochledger/pkg/api"
	"github.com/Mindburn-Labs/epochledger/pkg/archive"
	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/epoch"
	"github.com/Mindburn-Labs/epochledger/pkg/observability"
	"github.com/Mindburn-Labs/epochledger/pkg/retry"
	"github.com/Mindburn-Labs/epochledger/pkg/store"
)

// Config holds server configuration.
type Config struct {
	Port     string `yaml:"port" toml:"port"`
	LogLevel string `yaml:"log_level" toml:"log_level"`

	// DatabaseURL selects Postgres. When empty the ledger runs on SQLite at SQLitePath.
	DatabaseURL     string `yaml:"database_url" toml:"database_url"`
	SQLitePath      string `yaml:"sqlite_path" toml:"sqlite_path"`
	IngestBatchSize int    `yaml:"ingest_batch_size" toml:"ingest_batch_size"`

	Scopes  []ScopeConfig  `yaml:"scopes" toml:"scopes"`
	Sources []SourceConfig `yaml:"sources" toml:"sources"`
	Ledger  LedgerConfig   `yaml:"ledger" toml:"ledger"`
	HTTP    HTTPConfig     `yaml:"http" toml:"http"`

	Archive       archive.Config       `yaml:"archive" toml:"archive"`
	Observability observability.Config `yaml:"observability" toml:"observability"`
}

// ScopeConfig registers a node scope and the addresses allowed to sign for it.
type ScopeConfig struct {
	Node      string   `yaml:"node" toml:"node"`
	Scope     string   `yaml:"scope" toml:"scope"`
	Approvers []string `yaml:"approvers" toml:"approvers"`
}

// SourceConfig describes one activity source.
type SourceConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Kind     string `yaml:"kind" toml:"kind"` // "file" | "s3"
	Path     string `yaml:"path" toml:"path"`
	Bucket   string `yaml:"bucket" toml:"bucket"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
	Region   string `yaml:"region" toml:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

// LedgerConfig covers curation inputs and the automatic lifecycle.
type LedgerConfig struct {
	WeightsFile    string `yaml:"weights_file" toml:"weights_file"`
	IdentitiesFile string `yaml:"identities_file" toml:"identities_file"`
	PolicyFile     string `yaml:"policy_file" toml:"policy_file"`

	AutoCloseGrace    time.Duration `yaml:"auto_close_grace" toml:"auto_close_grace"`
	AutoCloseInterval time.Duration `yaml:"auto_close_interval" toml:"auto_close_interval"`
	// UnresolvedPolicy is "exclude" or "block".
	UnresolvedPolicy string      `yaml:"unresolved_policy" toml:"unresolved_policy"`
	Retry            RetryConfig `yaml:"retry" toml:"retry"`
}

type RetryConfig struct {
	BaseMs      int64 `yaml:"base_ms" toml:"base_ms"`
	MaxMs       int64 `yaml:"max_ms" toml:"max_ms"`
	MaxJitterMs int64 `yaml:"max_jitter_ms" toml:"max_jitter_ms"`
	MaxAttempts int   `yaml:"max_attempts" toml:"max_attempts"`
}

// HTTPConfig configures the API surface.
type HTTPConfig struct {
	JWTSecret   string   `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTIssuer   string   `yaml:"jwt_issuer" toml:"jwt_issuer"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`

	RateLimit api.LimitPolicy `yaml:"rate_limit" toml:"rate_limit"`
	// IdempotencyBackend is "memory", "redis" or "sql".
	IdempotencyBackend string        `yaml:"idempotency_backend" toml:"idempotency_backend"`
	IdempotencyTTL     time.Duration `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
	// RedisAddr enables the Redis rate limiter and, when selected, the Redis idempotency store.
	RedisAddr string `yaml:"redis_addr" toml:"redis_addr"`
}

// Default returns a configuration that boots a local SQLite ledger.
func Default() *Config {
	obs := observability.DefaultConfig()
	return &Config{
		Port:            "8080",
		LogLevel:        "INFO",
		SQLitePath:      filepath.Join("data", "epochledger.db"),
		IngestBatchSize: 500,
		Ledger: LedgerConfig{
			AutoCloseGrace:    time.Hour,
			AutoCloseInterval: 5 * time.Minute,
			UnresolvedPolicy:  string(epoch.UnresolvedExclude),
			Retry: RetryConfig{
				BaseMs:      retry.DefaultPolicy.BaseMs,
				MaxMs:       retry.DefaultPolicy.MaxMs,
				MaxJitterMs: retry.DefaultPolicy.MaxJitterMs,
				MaxAttempts: retry.DefaultPolicy.MaxAttempts,
			},
		},
		HTTP: HTTPConfig{
			JWTIssuer:          "epochledger",
			RateLimit:          api.LimitPolicy{RPM: 600, Burst: 50},
			IdempotencyBackend: "memory",
			IdempotencyTTL:     24 * time.Hour,
		},
		Archive:       archive.Config{Kind: archive.KindNone},
		Observability: *obs,
	}
}

// Load builds the configuration. path may be empty; otherwise its extension
// picks the decoder (.yaml, .yml or .toml).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, into any) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, into)
	case ".toml":
		_, err = toml.Decode(string(data), into)
	default:
		return fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv lets 12-factor deployments override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("EPOCHLEDGER_JWT_SECRET"); v != "" {
		c.HTTP.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.HTTP.RedisAddr = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Observability.OTLPEndpoint = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
		c.Observability.Enabled = true
	}
	if v := os.Getenv("EPOCHLEDGER_INGEST_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.IngestBatchSize = n
		}
	}
}

// Validate rejects settings the binary cannot start with.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("port %q is not a number", c.Port)
	}
	if _, err := epoch.ParseUnresolvedPolicy(c.Ledger.UnresolvedPolicy); err != nil {
		return err
	}
	switch c.HTTP.IdempotencyBackend {
	case "memory", "sql":
	case "redis":
		if c.HTTP.RedisAddr == "" {
			return fmt.Errorf("idempotency backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unsupported idempotency backend: %s", c.HTTP.IdempotencyBackend)
	}
	for i, s := range c.Scopes {
		if strings.TrimSpace(s.Node) == "" || strings.TrimSpace(s.Scope) == "" {
			return fmt.Errorf("scopes[%d]: node and scope are required", i)
		}
	}
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		switch s.Kind {
		case "file":
			if s.Path == "" {
				return fmt.Errorf("source %s: path is required", s.Name)
			}
		case "s3":
			if s.Bucket == "" {
				return fmt.Errorf("source %s: bucket is required", s.Name)
			}
		default:
			return fmt.Errorf("source %s: unsupported kind %q", s.Name, s.Kind)
		}
	}
	return nil
}

// StoreConfig picks Postgres when a database URL is set and SQLite otherwise.
func (c *Config) StoreConfig() store.Config {
	if c.DatabaseURL != "" {
		return store.Config{Dialect: store.DialectPostgres, DSN: c.DatabaseURL, IngestBatchSize: c.IngestBatchSize}
	}
	return store.Config{Dialect: store.DialectSQLite, DSN: c.SQLitePath, IngestBatchSize: c.IngestBatchSize}
}

// LiteMode reports whether the ledger runs on embedded SQLite.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// ApproverTable maps "node/scope" to its approver addresses.
func (c *Config) ApproverTable() map[string][]string {
	table := make(map[string][]string, len(c.Scopes))
	for _, s := range c.Scopes {
		key := canonicalize.Identifier(strings.TrimSpace(s.Node)) + "/" + canonicalize.Identifier(strings.TrimSpace(s.Scope))
		table[key] = append(table[key], s.Approvers...)
	}
	return table
}

func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{BaseMs: r.BaseMs, MaxMs: r.MaxMs, MaxJitterMs: r.MaxJitterMs, MaxAttempts: r.MaxAttempts}
}
