package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/epochledger/pkg/api"
)

func TestMemoryLimiterStore(t *testing.T) {
	s := api.NewMemoryLimiterStore()
	policy := api.LimitPolicy{RPM: 60, Burst: 1}
	ctx := context.Background()

	if ok, _ := s.Allow(ctx, "a", policy, 1); !ok {
		t.Fatal("expected first request to pass")
	}
	if ok, _ := s.Allow(ctx, "a", policy, 1); ok {
		t.Error("expected burst of 1 to deny immediate retry")
	}
	if ok, _ := s.Allow(ctx, "b", policy, 1); !ok {
		t.Error("expected separate bucket per actor")
	}
	if n := s.Sweep(); n != 0 {
		t.Errorf("expected no idle actors, swept %d", n)
	}
}

func TestLimitPolicy_RetryAfter(t *testing.T) {
	if got := (api.LimitPolicy{RPM: 6}).RetryAfter(); got != 10 {
		t.Errorf("expected 10s, got %d", got)
	}
	if got := (api.LimitPolicy{RPM: 600}).RetryAfter(); got != 1 {
		t.Errorf("expected floor of 1s, got %d", got)
	}
}

func TestClientIP(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1:443": "10.0.0.1",
		"[::1]:8080":   "::1",
		"[::1]":        "::1",
		"10.0.0.2":     "10.0.0.2",
	}
	for remote, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = remote
		if got := api.ClientIP(r); got != want {
			t.Errorf("%s: expected %s, got %s", remote, want, got)
		}
	}
}

// TestRedisLimiterStore_Integration requires a running Redis.
func TestRedisLimiterStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	s := api.NewRedisLimiterStore(client)
	policy := api.LimitPolicy{RPM: 60, Burst: 1}
	actor := "test-actor-" + time.Now().Format(time.RFC3339Nano)

	allowed, err := s.Allow(ctx, actor, policy, 1)
	if err != nil || !allowed {
		t.Fatalf("expected fresh bucket to allow (err=%v)", err)
	}
	allowed, err = s.Allow(ctx, actor, policy, 1)
	if err != nil || allowed {
		t.Errorf("expected immediate retry to be limited (err=%v)", err)
	}
}
