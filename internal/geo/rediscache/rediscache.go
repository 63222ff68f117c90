// Package rediscache puts a shared Redis read-through cache in front of any
// geo.Resolver so several roadwatch instances stay inside an upstream
// geocoder's rate limit.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/roadwatch/internal/geo"
	"github.com/linnemanlabs/roadwatch/internal/incident"
)

const (
	DefaultTTL    = 7 * 24 * time.Hour
	DefaultPrefix = "roadwatch:geo:"
)

// Cache is a geo.Resolver backed by Redis and a fallback resolver.
type Cache struct {
	rdb    redis.Cmdable
	next   geo.Resolver
	ttl    time.Duration
	prefix string
	logger log.Logger
}

// New wraps next with a Redis cache. Redis failures are logged and bypassed,
// never returned.
func New(rdb redis.Cmdable, next geo.Resolver, ttl time.Duration, logger log.Logger) *Cache {
	if logger == nil {
		logger = log.Nop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{rdb: rdb, next: next, ttl: ttl, prefix: DefaultPrefix, logger: logger}
}

// Key returns the Redis key used for a coordinate pair.
func (c *Cache) Key(lat, lon float64) string {
	return fmt.Sprintf("%s%.6f,%.6f", c.prefix, lat, lon)
}

// Resolve returns the cached address or asks the wrapped resolver and caches
// its answer. Failed resolutions are not cached.
func (c *Cache) Resolve(ctx context.Context, lat, lon float64) (*incident.Address, error) {
	key := c.Key(lat, lon)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var a incident.Address
		if uerr := json.Unmarshal(raw, &a); uerr == nil {
			return &a, nil
		}
		c.logger.Warn(ctx, "discarding corrupt cached address", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn(ctx, "geo cache read failed", "key", key, "err", err)
	}

	a, err := c.next.Resolve(ctx, lat, lon)
	if err != nil {
		return nil, err
	}

	if b, merr := json.Marshal(a); merr == nil {
		if serr := c.rdb.Set(ctx, key, b, c.ttl).Err(); serr != nil {
			c.logger.Warn(ctx, "geo cache write failed", "key", key, "err", serr)
		}
	}
	return a, nil
}
