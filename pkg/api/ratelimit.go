package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// LimitPolicy is a per-actor token bucket: RPM requests per minute with Burst capacity.
type LimitPolicy struct {
	RPM   int `yaml:"rpm" toml:"rpm"`
	Burst int `yaml:"burst" toml:"burst"`
}

func (p LimitPolicy) perSecond() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p LimitPolicy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// RetryAfter is the suggested wait, in seconds, after a denial.
func (p LimitPolicy) RetryAfter() int {
	if p.RPM <= 0 {
		return 1
	}
	s := 60 / p.RPM
	if s < 1 {
		s = 1
	}
	return s
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether actorID may spend cost tokens now.
	Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error)
}

// MemoryLimiterStore keeps one x/time/rate limiter per actor, for single-instance
// deployments. Idle actors are evicted.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	idle     time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{visitors: make(map[string]*visitor), idle: 3 * time.Minute}
}

func (s *MemoryLimiterStore) Allow(_ context.Context, actorID string, policy LimitPolicy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	v, ok := s.visitors[actorID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst())}
		s.visitors[actorID] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, cost), nil
}

// Sweep removes actors idle for longer than the eviction window.
func (s *MemoryLimiterStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, v := range s.visitors {
		if time.Since(v.lastSeen) > s.idle {
			delete(s.visitors, id)
			n++
		}
	}
	return n
}

// RunSweeper evicts idle actors every interval until ctx is done.
func (s *MemoryLimiterStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tostring(tokens)}
`)

// RedisLimiterStore shares buckets across replicas.
type RedisLimiterStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisLimiterStore creates a store backed by client.
func NewRedisLimiterStore(client redis.Scripter) *RedisLimiterStore {
	return &RedisLimiterStore{client: client, prefix: "epochledger:limiter:"}
}

// Allow executes the Lua script to check and update the token bucket.
func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{s.prefix + actorID},
		policy.perSecond(), policy.burst(), cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// ClientIP returns the request's remote IP without port or IPv6 brackets.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
