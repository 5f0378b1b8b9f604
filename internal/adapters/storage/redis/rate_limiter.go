package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "mysterybox:ratelimit:"

// RateLimiterAdapter is a Redis implementation of the RateLimiterRepository port.
type RateLimiterAdapter struct {
	rdb redis.Cmdable
}

// NewRateLimiterAdapter returns a limiter over an existing client.
func NewRateLimiterAdapter(rdb redis.Cmdable) *RateLimiterAdapter {
	return &RateLimiterAdapter{rdb: rdb}
}

// IsAllowed implements the rate limiting logic using a fixed-window algorithm in Redis.
func (a *RateLimiterAdapter) IsAllowed(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	key = rateLimitPrefix + key

	count, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis INCR failed: %w", err)
	}

	// The first request opens the window.
	if count == 1 {
		if err := a.rdb.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("redis EXPIRE failed: %w", err)
		}
	}

	return count <= int64(limit), nil
}
