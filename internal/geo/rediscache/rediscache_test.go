package rediscache

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/roadwatch/internal/geo"
	"github.com/linnemanlabs/roadwatch/internal/incident"
)

func countingResolver(calls *atomic.Int32, err error) geo.Resolver {
	return geo.ResolverFunc(func(_ context.Context, lat, lon float64) (*incident.Address, error) {
		calls.Add(1)
		if err != nil {
			return nil, err
		}
		return &incident.Address{City: "Colombo", Formatted: "Galle Road, Colombo"}, nil
	})
}

// Redis being down must never fail a resolution.
func TestResolve_RedisUnavailableFallsThrough(t *testing.T) {
	t.Parallel()

	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = rdb.Close() }()

	var calls atomic.Int32
	c := New(rdb, countingResolver(&calls, nil), time.Minute, log.Nop())

	a, err := c.Resolve(context.Background(), 6.9271, 79.8612)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.City != "Colombo" {
		t.Errorf("City = %q, want Colombo", a.City)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	c := New(nil, nil, 0, nil)
	if got := c.Key(6.9271, 79.8612); got != "roadwatch:geo:6.927100,79.861200" {
		t.Errorf("Key = %q", got)
	}
	if c.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", c.ttl, DefaultTTL)
	}
}

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("ROADWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ROADWATCH_TEST_REDIS_ADDR not set, skipping redis integration tests")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestResolve_ReadThrough(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()

	var calls atomic.Int32
	c := New(rdb, countingResolver(&calls, nil), time.Minute, log.Nop())
	c.prefix = "roadwatch:test:" + t.Name() + ":"
	t.Cleanup(func() { rdb.Del(ctx, c.Key(1.25, 2.5)) })

	for range 3 {
		a, err := c.Resolve(ctx, 1.25, 2.5)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if a.Formatted != "Galle Road, Colombo" {
			t.Errorf("Formatted = %q", a.Formatted)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}

	ttl, err := rdb.TTL(ctx, c.Key(1.25, 2.5)).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v, want (0, 1m]", ttl)
	}
}

func TestResolve_FailuresNotCached(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()

	var calls atomic.Int32
	c := New(rdb, countingResolver(&calls, geo.ErrResolutionUnavailable), time.Minute, log.Nop())
	c.prefix = "roadwatch:test:" + t.Name() + ":"

	for range 2 {
		if _, err := c.Resolve(ctx, 3, 4); !errors.Is(err, geo.ErrResolutionUnavailable) {
			t.Errorf("err = %v, want ErrResolutionUnavailable", err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", calls.Load())
	}
	if n, _ := rdb.Exists(ctx, c.Key(3, 4)).Result(); n != 0 {
		t.Errorf("failed resolution was cached")
	}
}
