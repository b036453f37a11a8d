package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiterDefaults(t *testing.T) {
	limiter := NewRedis(nil, 0)
	if limiter.Window != time.Minute {
		t.Fatalf("default window = %v, want 1m", limiter.Window)
	}
	if limiter.Prefix != "dispatch:rl:" {
		t.Fatalf("default prefix = %q", limiter.Prefix)
	}
	if limiter.Fallback == nil {
		t.Fatal("fallback limiter must be initialized")
	}
}

func TestRedisLimiterWindow(t *testing.T) {
	mr, client := newMiniredisClient(t)
	limiter := NewRedis(client, 25*time.Millisecond)
	key := "actor-1"

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("first decision = %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("second decision = %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Count != 3 {
		t.Fatalf("third decision = %+v", third)
	}

	mr.FastForward(30 * time.Millisecond)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected fresh window, got %+v", reset)
	}
}

func TestRedisLimiterOutageUsesFallback(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()
	limiter := NewRedis(client, time.Second)

	first := limiter.Allow("actor-1", 1)
	if !first.Allowed || first.Count != 1 {
		t.Fatalf("expected fallback allow on outage, got %+v", first)
	}
	second := limiter.Allow("actor-1", 1)
	if second.Allowed {
		t.Fatalf("fallback must still enforce limits, got %+v", second)
	}
}

func TestRedisLimiterDegradedWithoutFallback(t *testing.T) {
	limiter := &RedisLimiter{Window: 2 * time.Second, Prefix: "dispatch:rl:"}
	decision := limiter.Allow("actor-1", 0)
	if !decision.Allowed || decision.Limit != 1 || decision.Count != 0 || decision.Remaining != 1 {
		t.Fatalf("expected permissive decision, got %+v", decision)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()
	limiter.Client = client
	decision = limiter.Allow("actor-2", 2)
	if !decision.Allowed || decision.Count != 0 || decision.Limit != 2 {
		t.Fatalf("expected permissive decision on outage without fallback, got %+v", decision)
	}
}

func TestRedisLimiterMalformedScriptResult(t *testing.T) {
	_, client := newMiniredisClient(t)
	limiter := NewRedis(client, time.Second)

	originalScript := rateLimitScript
	rateLimitScript = redis.NewScript(`return {1}`)
	defer func() { rateLimitScript = originalScript }()

	first := limiter.Allow("actor-1", 1)
	if !first.Allowed || first.Count != 1 {
		t.Fatalf("expected fallback decision on short result, got %+v", first)
	}
	second := limiter.Allow("actor-1", 1)
	if second.Allowed {
		t.Fatalf("fallback must enforce on second call, got %+v", second)
	}
}

func TestRedisLimiterNegativeTTLUsesWindow(t *testing.T) {
	_, client := newMiniredisClient(t)
	limiter := NewRedis(client, 500*time.Millisecond)

	// key with no TTL yields PTTL -1
	if err := client.Set(context.Background(), limiter.Prefix+"actor-1", "1", 0).Err(); err != nil {
		t.Fatalf("seed redis key: %v", err)
	}
	decision := limiter.Allow("actor-1", 10)
	if decision.ResetAt.Before(time.Now().UTC()) {
		t.Fatalf("resetAt must be in the future, got %v", decision.ResetAt)
	}
}
