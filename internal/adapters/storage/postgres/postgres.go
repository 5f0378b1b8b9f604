package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mystery-box-service/internal/core/domain"
	"mystery-box-service/internal/core/ports"
)

//go:embed schema.sql
var schema string

// Repository implements the purchase store, box catalog and ledger reader ports on PostgreSQL.
type Repository struct {
	pool     *pgxpool.Pool
	isoLevel pgx.TxIsoLevel
}

// NewRepository creates a new repository instance.
// Accepts a DSN (Data Source Name) to connect to and the isolation level
// purchase transactions run at.
func NewRepository(ctx context.Context, dsn, isolation string) (*Repository, error) {
	iso, err := ParseIsolation(isolation)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Let's check that the connection to the database actually works.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Repository{pool: pool, isoLevel: iso}, nil
}

// ParseIsolation maps the config spelling onto a pgx isolation level.
func ParseIsolation(s string) (pgx.TxIsoLevel, error) {
	switch s {
	case "", "read_committed":
		return pgx.ReadCommitted, nil
	case "repeatable_read":
		return pgx.RepeatableRead, nil
	case "serializable":
		return pgx.Serializable, nil
	default:
		return "", fmt.Errorf("unknown isolation level %q", s)
	}
}

// Close closes the connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx implements ports.PurchaseStore. The scope runs at the configured
// isolation level and rolls back whenever fn or the commit fails.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.PurchaseTx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: r.isoLevel})
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// GetActiveBox implements ports.BoxCatalog.
func (r *Repository) GetActiveBox(ctx context.Context, boxID string) (domain.Box, error) {
	const sql = `
		SELECT id, name, price_coins, active, reward_table
		FROM boxes
		WHERE id = $1
	`
	var (
		box      domain.Box
		rawTable []byte
	)
	err := r.pool.QueryRow(ctx, sql, boxID).Scan(&box.ID, &box.Name, &box.PriceCoins, &box.Active, &rawTable)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Box{}, domain.ErrBoxNotFound
	}
	if err != nil {
		return domain.Box{}, classify("get box", err)
	}
	if !box.Active {
		return domain.Box{}, domain.ErrBoxNotFound
	}
	if err := json.Unmarshal(rawTable, &box.Table); err != nil {
		return domain.Box{}, fmt.Errorf("decode reward table of box %s: %w", boxID, err)
	}
	return box, nil
}

// PutBox validates and upserts a box definition. Malformed tables never reach the table.
func (r *Repository) PutBox(ctx context.Context, box domain.Box) error {
	if err := box.Validate(); err != nil {
		return err
	}
	rawTable, err := json.Marshal(box.Table)
	if err != nil {
		return fmt.Errorf("encode reward table: %w", err)
	}

	const sql = `
		INSERT INTO boxes (id, name, price_coins, active, reward_table, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    price_coins = EXCLUDED.price_coins,
		    active = EXCLUDED.active,
		    reward_table = EXCLUDED.reward_table,
		    updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, sql, box.ID, box.Name, box.PriceCoins, box.Active, rawTable); err != nil {
		return classify("put box", err)
	}
	return nil
}

// OpenAccount creates an account together with its opening_balance ledger entry.
func (r *Repository) OpenAccount(ctx context.Context, accountID string, coins, points int64) error {
	if coins < 0 || points < 0 {
		return fmt.Errorf("opening balances must not be negative")
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, coins_balance, points_balance) VALUES ($1, $2, $3)`,
			accountID, coins, points,
		); err != nil {
			return classify("open account", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (account_id, delta_coins, delta_points, reason, meta, created_at)
			 VALUES ($1, $2, $3, $4, '{}'::jsonb, $5)`,
			accountID, coins, points, domain.ReasonOpeningBalance, time.Now().UTC(),
		); err != nil {
			return classify("write opening balance", err)
		}
		return nil
	})
}

// ListLedgerEntries implements ports.LedgerReader.
func (r *Repository) ListLedgerEntries(ctx context.Context, accountID string, page domain.Page) ([]domain.LedgerEntry, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return nil, classify("check account", err)
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}

	const sql = `
		SELECT id, account_id, delta_coins, delta_points, reason, meta, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, sql, accountID, page.Limit, page.Offset)
	if err != nil {
		return nil, classify("list ledger entries", err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, page.Limit)
	for rows.Next() {
		var (
			e       domain.LedgerEntry
			rawMeta []byte
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.DeltaCoins, &e.DeltaPoints, &e.Reason, &rawMeta, &e.CreatedAt); err != nil {
			return nil, classify("scan ledger entry", err)
		}
		if err := json.Unmarshal(rawMeta, &e.Meta); err != nil {
			return nil, fmt.Errorf("decode meta of ledger entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list ledger entries", err)
	}
	return entries, nil
}

// Mismatch is an account whose balances differ from the sum of its ledger.
type Mismatch struct {
	AccountID     string
	CoinsBalance  int64
	PointsBalance int64
	LedgerCoins   int64
	LedgerPoints  int64
}

// Reconcile returns every account whose balances disagree with its ledger.
// An empty result means the ledger fully explains every balance.
func (r *Repository) Reconcile(ctx context.Context) ([]Mismatch, error) {
	const sql = `
		SELECT a.id, a.coins_balance, a.points_balance,
		       COALESCE(SUM(l.delta_coins), 0)::BIGINT,
		       COALESCE(SUM(l.delta_points), 0)::BIGINT
		FROM accounts a
		LEFT JOIN ledger_entries l ON l.account_id = a.id
		GROUP BY a.id, a.coins_balance, a.points_balance
		HAVING a.coins_balance <> COALESCE(SUM(l.delta_coins), 0)
		    OR a.points_balance <> COALESCE(SUM(l.delta_points), 0)
		ORDER BY a.id
	`
	rows, err := r.pool.Query(ctx, sql)
	if err != nil {
		return nil, classify("reconcile", err)
	}
	defer rows.Close()

	var out []Mismatch
	for rows.Next() {
		var m Mismatch
		if err := rows.Scan(&m.AccountID, &m.CoinsBalance, &m.PointsBalance, &m.LedgerCoins, &m.LedgerPoints); err != nil {
			return nil, classify("scan reconcile row", err)
		}
		out = append(out, m)
	}
	return out, classify("reconcile", rows.Err())
}
