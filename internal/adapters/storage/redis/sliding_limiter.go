package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlidingWindowLimiter implements RateLimiterRepository with a sorted set of
// request timestamps, so bursts at a window boundary are not doubled.
type SlidingWindowLimiter struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewSlidingWindowLimiter(rdb redis.Cmdable) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{rdb: rdb, now: time.Now}
}

// IsAllowed drops entries older than the window, records this request and
// counts what remains.
func (l *SlidingWindowLimiter) IsAllowed(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	key = rateLimitPrefix + "sliding:" + key
	now := l.now().UnixNano()
	windowStart := now - window.Nanoseconds()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: uuid.NewString()})
	card := pipe.ZCard(ctx, key)
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis sliding window failed: %w", err)
	}

	return card.Val() <= int64(limit), nil
}
