package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore shares idempotency state across replicas.
type RedisIdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotencyStore creates a store writing keys under prefix.
func NewRedisIdempotencyStore(client redis.Cmdable, ttl time.Duration, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "epochledger:idem:"
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: prefix}
}

// Check returns the cached response. Redis failures are reported as a miss so
// the request is processed normally.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("idempotency: redis get failed", "error", err)
		}
		return nil, false
	}
	var cached CachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		slog.Warn("idempotency: discarding undecodable entry", "error", err)
		return nil, false
	}
	return &cached, true
}

// Set stores the response with SETNX so the first response wins.
func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte) {
	data, err := json.Marshal(CachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("idempotency: encode failed", "error", err)
		return
	}
	if err := s.client.SetNX(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		// Best-effort: a failed write only loses the replay.
		slog.Warn("idempotency: redis set failed", "error", err)
	}
}
