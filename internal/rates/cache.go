package rates

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/payxpay/payxpay/internal/metrics"
)

// ErrCacheMiss is returned by a Cache that has no value for a key.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores serialized rates for a short time.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache is a Cache backed by Redis.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache wraps a Redis client. Keys are namespaced under prefix.
func NewRedisCache(rdb *redis.Client, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return val, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.prefix+key, value, ttl).Err()
}

// CachedOracle answers from the cache while the entry lives and falls back
// to the wrapped oracle otherwise. Cache failures degrade to a direct lookup.
type CachedOracle struct {
	next   Oracle
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedOracle wraps next with cache entries that live for ttl.
func NewCachedOracle(next Oracle, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedOracle{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (o *CachedOracle) GetRate(ctx context.Context, symbol string) (Rate, error) {
	cur, ok := Lookup(symbol)
	if !ok {
		return Rate{}, ErrUnknownSymbol
	}
	key := "rate:" + cur.Symbol

	data, err := o.cache.Get(ctx, key)
	switch {
	case err == nil:
		var r Rate
		if jsonErr := json.Unmarshal(data, &r); jsonErr == nil {
			metrics.RateLookupsTotal.WithLabelValues("cache", "hit").Inc()
			return r, nil
		}
	case errors.Is(err, ErrCacheMiss):
		metrics.RateLookupsTotal.WithLabelValues("cache", "miss").Inc()
	default:
		metrics.RateLookupsTotal.WithLabelValues("cache", "error").Inc()
		o.logger.Warn("rate cache read failed", "symbol", cur.Symbol, "error", err)
	}

	r, err := o.next.GetRate(ctx, cur.Symbol)
	if err != nil {
		return Rate{}, err
	}
	if data, err := json.Marshal(r); err == nil {
		if err := o.cache.Set(ctx, key, data, o.ttl); err != nil {
			o.logger.Warn("rate cache write failed", "symbol", cur.Symbol, "error", err)
		}
	}
	return r, nil
}
