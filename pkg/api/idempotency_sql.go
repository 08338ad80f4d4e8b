package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// SQLIdempotencyStore provides durable idempotency enforcement in the ledger
// database, surviving process restarts. It works on both the Postgres and the
// SQLite schema (table idempotency_keys).
type SQLIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLIdempotencyStore creates a new database-backed idempotency store.
func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, ttl: ttl, now: time.Now}
}

// Check returns a cached response if the idempotency key was seen before and is within TTL.
func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	var (
		statusCode int
		headers    string
		body       string
		cachedAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE idem_key = $1`,
		key,
	).Scan(&statusCode, &headers, &body, &cachedAt)
	if err != nil {
		return nil, false
	}

	at := time.UnixMilli(cachedAt)
	if s.now().Sub(at) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE idem_key = $1`, key)
		return nil, false
	}

	hdr := make(http.Header)
	if err := json.Unmarshal([]byte(headers), &hdr); err != nil {
		hdr = http.Header{"Content-Type": {"application/json"}}
	}
	return &CachedResponse{
		StatusCode: statusCode,
		Headers:    hdr,
		Body:       []byte(body),
		CachedAt:   at,
	}, true
}

// Set stores an idempotency key and its response. An existing row is kept.
func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte) {
	hdr, err := json.Marshal(headers)
	if err != nil {
		hdr = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (idem_key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (idem_key) DO NOTHING`,
		key, statusCode, string(hdr), string(body), s.now().UnixMilli(),
	)
	if err != nil {
		// Best-effort: a failed write only loses the replay.
		slog.Warn("idempotency: failed to set key", "error", err)
	}
}

// Cleanup removes expired idempotency keys older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		s.now().Add(-s.ttl).UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
