// Package audit re-checks committed purchases downstream of the purchase
// service and flags events that break its reward rules.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mystery-box-service/internal/config"
	"mystery-box-service/internal/core/domain"
)

// Finding is the verdict on one purchase event.
type Finding struct {
	Flagged bool
	Reason  string
}

// RuleEngine checks a purchase event.
type RuleEngine interface {
	Check(ctx context.Context, event domain.PurchaseCompleted) Finding
}

// CachingRuleEngine implements RuleEngine using Redis for stateful checks.
type CachingRuleEngine struct {
	rdb      redis.Cmdable
	cfg      config.AuditConfig
	cooldown time.Duration
	logger   *slog.Logger
}

// NewCachingRuleEngine creates a new engine connected to Redis.
func NewCachingRuleEngine(rdb redis.Cmdable, cfg config.AuditConfig, cooldown time.Duration, logger *slog.Logger) *CachingRuleEngine {
	return &CachingRuleEngine{
		rdb:      rdb,
		cfg:      cfg,
		cooldown: cooldown,
		logger:   logger,
	}
}

// Check applies the rules in order and reports the first one that fires.
// A Redis failure skips the stateful rules rather than flagging the event.
// Rule state is keyed by event id, so a redelivered event gets the verdict it
// got the first time.
func (e *CachingRuleEngine) Check(ctx context.Context, event domain.PurchaseCompleted) Finding {
	// Rule 1: every committed purchase debits coins. A zero award is legal when
	// the table allows it; a negative one never is.
	if event.AwardedPoints < 0 || event.PriceCoins <= 0 {
		return Finding{Flagged: true, Reason: "negative award or non-positive price"}
	}

	// Rule 2: a top award must not land inside the previous one's cooldown.
	if event.AwardedTop {
		if f, err := e.checkTopCooldown(ctx, event); err != nil {
			e.logger.Error("top cooldown check failed", "event_id", event.EventID, "error", err)
		} else if f.Flagged {
			return f
		}
	}

	// Rule 3: more than FrequencyThreshold purchases from one account inside FrequencyWindow.
	f, err := e.checkFrequency(ctx, event)
	if err != nil {
		e.logger.Error("frequency check failed", "event_id", event.EventID, "error", err)
		return Finding{}
	}
	return f
}

// checkFrequency counts distinct events in the window ending at the event's
// own timestamp. Members are event ids, so redeliveries are counted once.
func (e *CachingRuleEngine) checkFrequency(ctx context.Context, event domain.PurchaseCompleted) (Finding, error) {
	key := fmt.Sprintf("mysterybox:audit:freq:%s", event.AccountID)
	at := event.OccurredAt.UnixMilli()
	from := at - e.cfg.FrequencyWindow.Milliseconds()

	pipe := e.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at), Member: event.EventID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(from, 10))
	count := pipe.ZCount(ctx, key, strconv.FormatInt(from, 10), strconv.FormatInt(at, 10))
	pipe.Expire(ctx, key, e.cfg.FrequencyWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return Finding{}, fmt.Errorf("redis pipeline %s: %w", key, err)
	}

	if n := count.Val(); n > int64(e.cfg.FrequencyThreshold) {
		return Finding{
			Flagged: true,
			Reason:  fmt.Sprintf("high purchase frequency: %d purchases in %s", n, e.cfg.FrequencyWindow),
		}, nil
	}
	return Finding{}, nil
}

// checkTopCooldown compares the event against the last legitimate top award
// seen for the account, stored as a hash of its event id and timestamp.
func (e *CachingRuleEngine) checkTopCooldown(ctx context.Context, event domain.PurchaseCompleted) (Finding, error) {
	key := fmt.Sprintf("mysterybox:audit:lasttop:%s", event.AccountID)

	last, err := e.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Finding{}, fmt.Errorf("redis HGETALL %s: %w", key, err)
	}
	if last["event_id"] == event.EventID {
		return Finding{}, nil
	}
	if raw, ok := last["at"]; ok {
		prev, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Finding{}, fmt.Errorf("decode %s: %w", key, err)
		}
		gap := event.OccurredAt.Sub(prev)
		if gap < 0 {
			gap = -gap
		}
		if gap < e.cooldown {
			// The flagged award does not move the window; the last legitimate one does.
			return Finding{
				Flagged: true,
				Reason:  fmt.Sprintf("top award %s from previous top award", gap.Round(time.Second)),
			}, nil
		}
		if event.OccurredAt.Before(prev) {
			return Finding{}, nil
		}
	}

	pipe := e.rdb.TxPipeline()
	pipe.HSet(ctx, key, "event_id", event.EventID, "at", event.OccurredAt.UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, e.cooldown)
	if _, err := pipe.Exec(ctx); err != nil {
		return Finding{}, fmt.Errorf("redis HSET %s: %w", key, err)
	}
	return Finding{}, nil
}
