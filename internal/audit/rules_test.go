package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"mystery-box-service/internal/config"
	"mystery-box-service/internal/core/domain"
)

func newEngine(t *testing.T, threshold int) (*CachingRuleEngine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.AuditConfig{FrequencyThreshold: threshold, FrequencyWindow: time.Minute}
	return NewCachingRuleEngine(rdb, cfg, 7*24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func purchase(id string, at time.Time, top bool) domain.PurchaseCompleted {
	return domain.PurchaseCompleted{
		EventID: id, AccountID: "acc-1", BoxID: "gold",
		PriceCoins: 1000, AwardedPoints: 600, AwardedTop: top, OccurredAt: at,
	}
}

func TestCheck_CleanPurchase(t *testing.T) {
	engine, _ := newEngine(t, 10)

	f := engine.Check(context.Background(), purchase("ev-1", time.Now(), false))

	assert.False(t, f.Flagged)
}

func TestCheck_AwardAndPrice(t *testing.T) {
	testCases := []struct {
		name    string
		points  int64
		price   int64
		flagged bool
	}{
		{name: "zero award from a zero-floor table", points: 0, price: 1000},
		{name: "negative award", points: -1, price: 1000, flagged: true},
		{name: "free purchase", points: 600, price: 0, flagged: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			engine, _ := newEngine(t, 10)
			e := purchase("ev-1", time.Now(), false)
			e.AwardedPoints, e.PriceCoins = tc.points, tc.price

			f := engine.Check(context.Background(), e)

			assert.Equal(t, tc.flagged, f.Flagged)
			if tc.flagged {
				assert.Contains(t, f.Reason, "negative award or non-positive price")
			}
		})
	}
}

func TestCheck_TopInsideCooldown(t *testing.T) {
	engine, _ := newEngine(t, 10)
	ctx := context.Background()
	first := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, engine.Check(ctx, purchase("ev-1", first, true)).Flagged)

	f := engine.Check(ctx, purchase("ev-2", first.Add(48*time.Hour), true))
	assert.True(t, f.Flagged)
	assert.Contains(t, f.Reason, "top award")

	// a top award after the full window is legitimate
	assert.False(t, engine.Check(ctx, purchase("ev-3", first.Add(8*24*time.Hour), true)).Flagged)
}

func TestCheck_RedeliveredTopKeepsVerdict(t *testing.T) {
	engine, _ := newEngine(t, 10)
	ctx := context.Background()
	first := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	legit := purchase("ev-1", first, true)
	early := purchase("ev-2", first.Add(time.Hour), true)
	later := purchase("ev-3", first.Add(8*24*time.Hour), true)

	assert.False(t, engine.Check(ctx, legit).Flagged)
	assert.False(t, engine.Check(ctx, legit).Flagged)

	assert.True(t, engine.Check(ctx, early).Flagged)
	assert.True(t, engine.Check(ctx, early).Flagged)

	// an older legitimate award read again after a newer one stays clean
	assert.False(t, engine.Check(ctx, later).Flagged)
	assert.False(t, engine.Check(ctx, legit).Flagged)
	assert.True(t, engine.Check(ctx, purchase("ev-4", later.OccurredAt.Add(time.Hour), true)).Flagged)
}

func TestCheck_HighFrequency(t *testing.T) {
	engine, mr := newEngine(t, 2)
	ctx := context.Background()
	now := time.Now()

	assert.False(t, engine.Check(ctx, purchase("ev-1", now, false)).Flagged)
	assert.False(t, engine.Check(ctx, purchase("ev-2", now.Add(time.Second), false)).Flagged)
	f := engine.Check(ctx, purchase("ev-3", now.Add(2*time.Second), false))
	assert.True(t, f.Flagged)
	assert.Contains(t, f.Reason, "high purchase frequency")

	mr.FastForward(2 * time.Minute)
	assert.False(t, engine.Check(ctx, purchase("ev-4", now.Add(2*time.Minute), false)).Flagged)
}

func TestCheck_RedeliveriesCountOnce(t *testing.T) {
	engine, _ := newEngine(t, 2)
	ctx := context.Background()
	now := time.Now()
	first := purchase("ev-1", now, false)
	second := purchase("ev-2", now.Add(time.Second), false)

	for range 3 {
		assert.False(t, engine.Check(ctx, first).Flagged)
		assert.False(t, engine.Check(ctx, second).Flagged)
	}

	assert.True(t, engine.Check(ctx, purchase("ev-3", now.Add(2*time.Second), false)).Flagged)
}

func TestCheck_RedisDownDoesNotFlag(t *testing.T) {
	engine, mr := newEngine(t, 2)
	mr.Close()

	f := engine.Check(context.Background(), purchase("ev-1", time.Now(), true))

	assert.False(t, f.Flagged)
}
