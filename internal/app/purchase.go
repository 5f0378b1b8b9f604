package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mystery-box-service/internal/core/domain"
	"mystery-box-service/internal/core/ports"
	"mystery-box-service/internal/observability"
	"mystery-box-service/internal/reward"
)

var tracer = otel.Tracer("mystery-box-service/internal/app")

// RetryOptions bounds how often a conflicting purchase transaction is re-run.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (o RetryOptions) normalize() RetryOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 10 * time.Millisecond
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	return o
}

// PurchaseManager runs box purchases end to end: one draw, one debit, one
// credit, one ledger entry and one idempotency record per committed purchase.
type PurchaseManager struct {
	catalog  ports.BoxCatalog
	store    ports.PurchaseStore
	broker   ports.MessageBroker
	resolver *reward.Resolver
	logger   *slog.Logger
	retry    retrypolicy.RetryPolicy[domain.PurchaseResult]
	now      func() time.Time
}

// Option customizes a PurchaseManager.
type Option func(*PurchaseManager)

// WithClock replaces time.Now, which drives cooldown checks and ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *PurchaseManager) { m.now = now }
}

// WithBroker publishes a purchase.completed event after every fresh commit.
func WithBroker(broker ports.MessageBroker) Option {
	return func(m *PurchaseManager) { m.broker = broker }
}

// NewPurchaseManager wires the manager. The store handle is explicit so tests
// and deployments choose their own.
func NewPurchaseManager(catalog ports.BoxCatalog, store ports.PurchaseStore, resolver *reward.Resolver, logger *slog.Logger, retry RetryOptions, opts ...Option) *PurchaseManager {
	retry = retry.normalize()
	m := &PurchaseManager{
		catalog:  catalog,
		store:    store,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
		retry: retrypolicy.NewBuilder[domain.PurchaseResult]().
			HandleIf(func(_ domain.PurchaseResult, err error) bool {
				return errors.Is(err, domain.ErrTransactionConflict)
			}).
			WithMaxRetries(retry.MaxRetries).
			WithBackoff(retry.BaseDelay, retry.MaxDelay).
			WithJitterFactor(0.1).
			Build(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// committed carries what one successful scope produced.
type committed struct {
	result domain.PurchaseResult
	award  reward.Award
	box    domain.Box
}

// Purchase implements ports.PurchaseService.
func (m *PurchaseManager) Purchase(ctx context.Context, req domain.PurchaseRequest) (domain.PurchaseResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "PurchaseManager.Purchase", trace.WithAttributes(
		attribute.String("box.id", req.BoxID),
	))
	defer span.End()

	res, err := m.purchase(ctx, req)

	observability.RecordPurchase(resultLabel(res, err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.PurchaseResult{}, err
	}
	span.SetAttributes(
		attribute.Bool("purchase.replayed", res.Replayed),
		attribute.Bool("purchase.awarded_top", res.AwardedTop),
	)
	return res, nil
}

func (m *PurchaseManager) purchase(ctx context.Context, req domain.PurchaseRequest) (domain.PurchaseResult, error) {
	req, err := req.Normalize()
	if err != nil {
		return domain.PurchaseResult{}, err
	}

	box, err := m.catalog.GetActiveBox(ctx, req.BoxID)
	if err != nil {
		if errors.Is(err, domain.ErrBoxNotFound) {
			return domain.PurchaseResult{}, fmt.Errorf("box %s: %w", req.BoxID, err)
		}
		return domain.PurchaseResult{}, fmt.Errorf("%w: catalog lookup: %w", domain.ErrStorageUnavailable, err)
	}
	if !box.Purchasable() {
		return domain.PurchaseResult{}, fmt.Errorf("box %s: %w", req.BoxID, domain.ErrBoxNotFound)
	}

	var (
		attempts int
		lastErr  error
		done     committed
	)
	_, err = failsafe.With[domain.PurchaseResult](m.retry).WithContext(ctx).Get(func() (domain.PurchaseResult, error) {
		if attempts > 0 {
			observability.RecordPurchaseRetry()
			m.logger.Warn("retrying purchase after conflict",
				"account_id", req.AccountID, "box_id", box.ID, "attempt", attempts+1, "error", lastErr)
		}
		attempts++
		c, err := m.runOnce(ctx, req, box)
		lastErr = err
		if err == nil {
			done = c
		}
		return c.result, err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.PurchaseResult{}, ctxErr
		}
		// Report the last attempt's own error rather than the retry wrapper.
		if lastErr != nil {
			err = lastErr
		}
		return domain.PurchaseResult{}, fmt.Errorf("purchase box %s: %w", box.ID, err)
	}

	if done.result.Replayed {
		m.logger.Info("purchase replayed",
			"account_id", req.AccountID, "box_id", box.ID, "idempotency_key", req.IdempotencyKey)
		return done.result, nil
	}

	m.afterCommit(ctx, req, done.box, done)
	return done.result, nil
}

// runOnce executes one atomic scope. Nothing it does is visible unless it returns nil.
func (m *PurchaseManager) runOnce(ctx context.Context, req domain.PurchaseRequest, box domain.Box) (committed, error) {
	var out committed

	err := m.store.WithinTx(ctx, func(ctx context.Context, tx ports.PurchaseTx) error {
		account, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}

		claimed, err := tx.ClaimIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey, box.ID)
		if err != nil {
			return err
		}
		if !claimed {
			stored, err := tx.StoredResult(ctx, req.AccountID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			stored.Replayed = true
			out = committed{result: stored}
			return nil
		}

		// The catalog copy may be cached; charge and draw from the row as published now.
		if box, err = tx.LockBox(ctx, box.ID); err != nil {
			return err
		}
		if account.CoinsBalance < box.PriceCoins {
			return fmt.Errorf("%w: balance %d, price %d", domain.ErrInsufficientFunds, account.CoinsBalance, box.PriceCoins)
		}

		now := m.now()
		award, err := m.resolver.Resolve(box.Table, account.LastTopWinAt, now)
		if err != nil {
			return err
		}

		account.CoinsBalance -= box.PriceCoins
		account.PointsBalance += award.AwardedPoints
		if award.AwardedTop {
			account.LastTopWinAt = &now
		}
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}

		entry, err := tx.AppendLedgerEntry(ctx, domain.LedgerEntry{
			AccountID:   account.ID,
			DeltaCoins:  -box.PriceCoins,
			DeltaPoints: award.AwardedPoints,
			Reason:      domain.ReasonBoxPurchase,
			Meta:        ledgerMeta(box, req, award),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		result := domain.PurchaseResult{
			AwardedPoints:    award.AwardedPoints,
			AwardedTop:       award.AwardedTop,
			Downgraded:       award.Downgraded(),
			TierIndex:        award.TierIndex,
			NewCoinsBalance:  account.CoinsBalance,
			NewPointsBalance: account.PointsBalance,
			LedgerEntryID:    entry.ID,
		}
		if err := tx.SaveResult(ctx, req.AccountID, req.IdempotencyKey, result); err != nil {
			return err
		}

		out = committed{result: result, award: award, box: box}
		return nil
	})
	if err != nil {
		return committed{}, err
	}
	return out, nil
}

// afterCommit runs best-effort side effects. The purchase has already
// committed, so none of them may turn it into a failure.
func (m *PurchaseManager) afterCommit(ctx context.Context, req domain.PurchaseRequest, box domain.Box, c committed) {
	observability.RecordReward(box.ID, string(c.award.Outcome))
	if c.award.Fallback {
		observability.RecordTableFallback(box.ID)
		m.logger.Warn("reward table matched no bucket, paid last tier",
			"box_id", box.ID, "draw", c.award.Draw, "tier_index", c.award.TierIndex)
	}

	m.logger.Info("purchase committed",
		"account_id", req.AccountID,
		"box_id", box.ID,
		"tier_index", c.result.TierIndex,
		"awarded_points", c.result.AwardedPoints,
		"outcome", c.award.Outcome,
		"ledger_entry_id", c.result.LedgerEntryID,
	)

	if m.broker == nil {
		return
	}
	event := domain.PurchaseCompleted{
		EventID:        uuid.NewString(),
		AccountID:      req.AccountID,
		BoxID:          box.ID,
		IdempotencyKey: req.IdempotencyKey,
		PriceCoins:     box.PriceCoins,
		TierIndex:      c.result.TierIndex,
		AwardedPoints:  c.result.AwardedPoints,
		AwardedTop:     c.result.AwardedTop,
		Downgraded:     c.result.Downgraded,
		Draw:           c.award.Draw,
		LedgerEntryID:  c.result.LedgerEntryID,
		OccurredAt:     m.now().UTC(),
	}
	if err := m.broker.PublishPurchaseCompleted(ctx, event); err != nil {
		m.logger.Error("failed to publish purchase event", "ledger_entry_id", c.result.LedgerEntryID, "error", err)
	}
}

func ledgerMeta(box domain.Box, req domain.PurchaseRequest, award reward.Award) map[string]string {
	return map[string]string{
		"box_id":          box.ID,
		"tier_index":      strconv.Itoa(award.TierIndex),
		"tier_points":     strconv.FormatInt(award.Tier.Points, 10),
		"awarded_top":     strconv.FormatBool(award.AwardedTop),
		"downgraded":      strconv.FormatBool(award.Downgraded()),
		"draw":            strconv.FormatFloat(award.Draw, 'g', -1, 64),
		"idempotency_key": req.IdempotencyKey,
	}
}

func resultLabel(res domain.PurchaseResult, err error) string {
	switch {
	case err == nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrBoxNotFound):
		return "box_not_found"
	case errors.Is(err, domain.ErrTransactionConflict):
		return "conflict"
	default:
		return "error"
	}
}
