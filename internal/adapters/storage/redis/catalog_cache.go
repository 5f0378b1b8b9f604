package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"mystery-box-service/internal/core/domain"
	"mystery-box-service/internal/core/ports"
)

const catalogPrefix = "mysterybox:box:"

// CatalogCache is a read-through cache in front of another BoxCatalog.
// Only active boxes are cached, so a box that disappears is never served
// for longer than the TTL. Redis failures fall through to the source.
type CatalogCache struct {
	rdb    redis.Cmdable
	source ports.BoxCatalog
	ttl    time.Duration
	logger *slog.Logger
}

// NewCatalogCache wraps source with a cache whose entries live for ttl.
func NewCatalogCache(rdb redis.Cmdable, source ports.BoxCatalog, ttl time.Duration, logger *slog.Logger) *CatalogCache {
	return &CatalogCache{rdb: rdb, source: source, ttl: ttl, logger: logger}
}

// GetActiveBox implements ports.BoxCatalog.
func (c *CatalogCache) GetActiveBox(ctx context.Context, boxID string) (domain.Box, error) {
	key := catalogPrefix + boxID

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var box domain.Box
		if err := json.Unmarshal(raw, &box); err == nil {
			return box, nil
		}
		c.logger.Warn("dropping undecodable catalog entry", "box_id", boxID)
		c.rdb.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("catalog cache read failed, using source", "box_id", boxID, "error", err)
	}

	box, err := c.source.GetActiveBox(ctx, boxID)
	if err != nil {
		return domain.Box{}, err
	}

	encoded, err := json.Marshal(box)
	if err != nil {
		return domain.Box{}, fmt.Errorf("encode box %s: %w", boxID, err)
	}
	if err := c.rdb.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.logger.Warn("catalog cache write failed", "box_id", boxID, "error", err)
	}
	return box, nil
}

// Invalidate drops a cached box, typically right after it is republished.
func (c *CatalogCache) Invalidate(ctx context.Context, boxID string) error {
	if err := c.rdb.Del(ctx, catalogPrefix+boxID).Err(); err != nil {
		return fmt.Errorf("invalidate box %s: %w", boxID, err)
	}
	return nil
}
