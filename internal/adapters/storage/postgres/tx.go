package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mystery-box-service/internal/core/domain"
)

// pgTx is one purchase scope on a single pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, accountID string) (domain.Account, error) {
	const sql = `
		SELECT id, coins_balance, points_balance, last_top_win_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`
	var acc domain.Account
	err := t.tx.QueryRow(ctx, sql, accountID).Scan(&acc.ID, &acc.CoinsBalance, &acc.PointsBalance, &acc.LastTopWinAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, classify("lock account", err)
	}
	return acc, nil
}

func (t *pgTx) LockBox(ctx context.Context, boxID string) (domain.Box, error) {
	const sql = `
		SELECT id, name, price_coins, active, reward_table
		FROM boxes
		WHERE id = $1
		FOR SHARE
	`
	var (
		box      domain.Box
		rawTable []byte
	)
	err := t.tx.QueryRow(ctx, sql, boxID).Scan(&box.ID, &box.Name, &box.PriceCoins, &box.Active, &rawTable)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Box{}, domain.ErrBoxNotFound
	}
	if err != nil {
		return domain.Box{}, classify("lock box", err)
	}
	if err := json.Unmarshal(rawTable, &box.Table); err != nil {
		return domain.Box{}, fmt.Errorf("decode reward table of box %s: %w", boxID, err)
	}
	if !box.Purchasable() {
		return domain.Box{}, domain.ErrBoxNotFound
	}
	return box, nil
}

func (t *pgTx) ClaimIdempotencyKey(ctx context.Context, accountID, key, boxID string) (bool, error) {
	const sql = `
		INSERT INTO purchases (account_id, idempotency_key, box_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, idempotency_key) DO NOTHING
	`
	tag, err := t.tx.Exec(ctx, sql, accountID, key, boxID)
	if err != nil {
		return false, classify("claim idempotency key", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) StoredResult(ctx context.Context, accountID, key string) (domain.PurchaseResult, error) {
	const sql = `
		SELECT tier_index, awarded_points, awarded_top, downgraded,
		       new_coins_balance, new_points_balance, ledger_entry_id
		FROM purchases
		WHERE account_id = $1 AND idempotency_key = $2
	`
	var (
		res     domain.PurchaseResult
		entryID *int64
	)
	err := t.tx.QueryRow(ctx, sql, accountID, key).Scan(
		&res.TierIndex, &res.AwardedPoints, &res.AwardedTop, &res.Downgraded,
		&res.NewCoinsBalance, &res.NewPointsBalance, &entryID,
	)
	if err != nil {
		return domain.PurchaseResult{}, classify("load stored result", err)
	}
	if entryID == nil {
		return domain.PurchaseResult{}, fmt.Errorf("purchase %q has no recorded result", key)
	}
	res.LedgerEntryID = *entryID
	return res, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, account domain.Account) error {
	const sql = `
		UPDATE accounts
		SET coins_balance = $2, points_balance = $3, last_top_win_at = $4
		WHERE id = $1
	`
	tag, err := t.tx.Exec(ctx, sql, account.ID, account.CoinsBalance, account.PointsBalance, account.LastTopWinAt)
	if err != nil {
		return classify("update account", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) AppendLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	meta := entry.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("encode ledger meta: %w", err)
	}

	const sql = `
		INSERT INTO ledger_entries (account_id, delta_coins, delta_points, reason, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err = t.tx.QueryRow(ctx, sql,
		entry.AccountID, entry.DeltaCoins, entry.DeltaPoints, entry.Reason, rawMeta, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return domain.LedgerEntry{}, classify("append ledger entry", err)
	}
	entry.Meta = meta
	return entry, nil
}

func (t *pgTx) SaveResult(ctx context.Context, accountID, key string, result domain.PurchaseResult) error {
	const sql = `
		UPDATE purchases
		SET tier_index = $3, awarded_points = $4, awarded_top = $5, downgraded = $6,
		    new_coins_balance = $7, new_points_balance = $8, ledger_entry_id = $9
		WHERE account_id = $1 AND idempotency_key = $2
	`
	tag, err := t.tx.Exec(ctx, sql, accountID, key,
		result.TierIndex, result.AwardedPoints, result.AwardedTop, result.Downgraded,
		result.NewCoinsBalance, result.NewPointsBalance, result.LedgerEntryID,
	)
	if err != nil {
		return classify("save purchase result", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save purchase result: idempotency key %q was not claimed", key)
	}
	return nil
}
