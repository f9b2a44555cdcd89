package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Limiter answers whether a keyed request is within its rate budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int64, reset time.Time, err error)
}

// RedisLimiter enforces a fixed-window rate limit backed by Redis, shared
// across all instances serving the webhook route.
type RedisLimiter struct {
	inner *limiter.Limiter
}

// NewRedisLimiter builds a limiter allowing max requests per window.
func NewRedisLimiter(client *redis.Client, window time.Duration, max int) (*RedisLimiter, error) {
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: "ratelimit",
	})
	if err != nil {
		return nil, err
	}
	rate := limiter.Rate{Period: window, Limit: int64(max)}
	return &RedisLimiter{inner: limiter.New(store, rate)}, nil
}

// Allow registers one request against the key's window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, int64, time.Time, error) {
	if l == nil || l.inner == nil {
		return true, 0, time.Now(), nil
	}
	res, err := l.inner.Get(ctx, key)
	if err != nil {
		return false, 0, time.Now(), err
	}
	return !res.Reached, res.Remaining, time.Unix(res.Reset, 0), nil
}
