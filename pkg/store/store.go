// Package store persists the ledger in SQL. The same queries run against
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); only the schema DDL and
// trigger bodies differ per dialect.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the DDL flavour and driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Config describes how to reach the database.
type Config struct {
	Dialect Dialect
	DSN     string
	// IngestBatchSize bounds the events committed per ingestion transaction.
	IngestBatchSize int
	MaxOpenConns    int
}

// Store bundles the ledger repositories over one connection pool.
type Store struct {
	DB       *sql.DB
	Dialect  Dialect
	Scopes   *ScopeStore
	Events   *EventStore
	Curation *CurationStore
	Epochs   *EpochStore
}

// Open connects, applies the schema and returns a ready Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := cfg.DSN
	if cfg.Dialect == DialectSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(string(cfg.Dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Dialect, err)
	}

	switch {
	case cfg.Dialect == DialectSQLite:
		// SQLite allows one writer; a single connection also keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Dialect, err)
	}

	s := New(db, cfg.Dialect)
	if cfg.IngestBatchSize > 0 {
		s.Events.batchSize = cfg.IngestBatchSize
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle without touching the schema.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		DB:       db,
		Dialect:  dialect,
		Scopes:   NewScopeStore(db),
		Events:   NewEventStore(db),
		Curation: NewCurationStore(db),
		Epochs:   NewEpochStore(db),
	}
}

// Migrate creates tables, indexes and immutability triggers if missing.
func (s *Store) Migrate(ctx context.Context) error {
	stmts, err := schemaFor(s.Dialect)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = ":memory:"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Timestamps are stored as unix milliseconds so both dialects compare them as integers.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, rolling back on error.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}
