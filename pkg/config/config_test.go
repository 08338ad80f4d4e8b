package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/epochledger/pkg/archive"
	"github.com/Mindburn-Labs/epochledger/pkg/config"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
	"github.com/Mindburn-Labs/epochledger/pkg/store"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "DATABASE_URL", "EPOCHLEDGER_JWT_SECRET", "REDIS_ADDR", "OTEL_EXPORTER_OTLP_ENDPOINT", "EPOCHLEDGER_INGEST_BATCH_SIZE"} {
		t.Setenv(k, "")
	}
}

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// The ledger must boot on SQLite with no file and no environment.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, store.DialectSQLite, cfg.StoreConfig().Dialect)
	assert.Equal(t, "exclude", cfg.Ledger.UnresolvedPolicy)
	assert.Equal(t, "memory", cfg.HTTP.IdempotencyBackend)
	assert.False(t, cfg.Observability.Enabled)
	assert.Equal(t, 4, cfg.Ledger.Retry.Policy().MaxAttempts)
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := write(t, "ledger.yaml", `
port: "9090"
scopes:
  - node: node-1
    scope: core
    approvers: ["0xAbC0000000000000000000000000000000000001"]
  - node: node-1
    scope: docs
sources:
  - name: exports
    kind: file
    path: /var/lib/epochledger/inbox
ledger:
  weights_file: weights.yaml
  auto_close_grace: 30m
  unresolved_policy: block
http:
  rate_limit:
    rpm: 120
    burst: 10
  idempotency_backend: sql
archive:
  kind: fs
  dir: /var/lib/epochledger/statements
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.Ledger.AutoCloseGrace)
	assert.Equal(t, "block", cfg.Ledger.UnresolvedPolicy)
	assert.Equal(t, 120, cfg.HTTP.RateLimit.RPM)
	assert.Equal(t, archive.KindFS, cfg.Archive.Kind)
	assert.Equal(t, map[string][]string{
		"node-1/core": {"0xAbC0000000000000000000000000000000000001"},
		"node-1/docs": nil,
	}, cfg.ApproverTable())
	// Unset fields keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Ledger.AutoCloseInterval)
	assert.Equal(t, "epochledger", cfg.HTTP.JWTIssuer)
}

func TestLoad_TOML(t *testing.T) {
	clearEnv(t)
	path := write(t, "ledger.toml", `
port = "7070"
database_url = "postgres://ledger@db:5432/ledger?sslmode=disable"

[ledger]
auto_close_grace = "2h"

[http]
idempotency_backend = "redis"
redis_addr = "redis:6379"

[[scopes]]
node = "node-1"
scope = "core"
approvers = ["0x0000000000000000000000000000000000000001"]
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, store.DialectPostgres, cfg.StoreConfig().Dialect)
	assert.Equal(t, 2*time.Hour, cfg.Ledger.AutoCloseGrace)
	assert.Equal(t, "redis:6379", cfg.HTTP.RedisAddr)
	require.Len(t, cfg.Scopes, 1)
}

// Ops can control config via standard 12-factor env vars; they win over the file.
func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9191")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("EPOCHLEDGER_JWT_SECRET", "s3cret")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4317")

	cfg, err := config.Load(write(t, "ledger.yaml", `port: "9090"`))
	require.NoError(t, err)

	assert.Equal(t, "9191", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "s3cret", cfg.HTTP.JWTSecret)
	assert.Equal(t, "cache:6379", cfg.HTTP.RedisAddr)
	assert.Equal(t, "collector:4317", cfg.Observability.OTLPEndpoint)
	assert.True(t, cfg.Observability.Enabled)
}

func TestLoad_Rejects(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"bad.json":         `{}`,
		"policy.yaml":      "ledger:\n  unresolved_policy: maybe\n",
		"idem.yaml":        "http:\n  idempotency_backend: redis\n",
		"backend.yaml":     "http:\n  idempotency_backend: disk\n",
		"scope.yaml":       "scopes:\n  - node: node-1\n",
		"source.yaml":      "sources:\n  - name: x\n    kind: ftp\n",
		"source_path.yaml": "sources:\n  - name: x\n    kind: file\n",
		"port.yaml":        "port: http\n",
		"malformed.yaml":   "port: [",
		"source_name.yaml": "sources:\n  - kind: file\n    path: /tmp\n",
		"source_s3.yaml":   "sources:\n  - name: x\n    kind: s3\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(write(t, name, body))
			assert.Error(t, err)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadWeights(t *testing.T) {
	w, err := config.LoadWeights(write(t, "weights.yaml", `
version: 1.2.0
weights:
  GitHub:PR_Merged: 5000
  github:review: 1000
`))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", w.Version)
	assert.Equal(t, map[contracts.WeightKey]int64{"github:pr_merged": 5000, "github:review": 1000}, w.Weights)

	w, err = config.LoadWeights(write(t, "weights.toml", `
version = "2.0.0"
[weights]
"discord:help" = 250
`))
	require.NoError(t, err)
	assert.Equal(t, int64(250), w.Weights["discord:help"])

	_, err = config.LoadWeights(write(t, "bad.yaml", "version: banana\nweights: {}\n"))
	assert.ErrorIs(t, err, contracts.ErrWeightConfigInvalid)
}

func TestBuildSources(t *testing.T) {
	clearEnv(t)
	cfg := config.Default()
	srcs, err := cfg.BuildSources(context.Background())
	require.NoError(t, err)
	assert.Empty(t, srcs)

	cfg.Sources = []config.SourceConfig{{Name: "inbox", Kind: "file", Path: t.TempDir()}}
	srcs, err = cfg.BuildSources(context.Background())
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, "inbox", srcs[0].Name())
}
