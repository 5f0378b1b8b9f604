// Package clickhouse stores the purchase audit trail in ClickHouse and answers
// distribution queries over it.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"mystery-box-service/internal/audit"
	"mystery-box-service/internal/config"
	"mystery-box-service/internal/core/domain"
)

const createAuditTable = `
	CREATE TABLE IF NOT EXISTS purchase_audit (
		event_id        String,
		account_id      String,
		box_id          String,
		idempotency_key String,
		price_coins     Int64,
		tier_index      Int32,
		awarded_points  Int64,
		awarded_top     Bool,
		downgraded      Bool,
		draw            Float64,
		ledger_entry_id Int64,
		flagged         Bool,
		reason          String,
		occurred_at     DateTime64(3, 'UTC'),
		processed_at    DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree
	ORDER BY (box_id, occurred_at, event_id)
`

const insertAudit = `
	INSERT INTO purchase_audit (
		event_id, account_id, box_id, idempotency_key, price_coins, tier_index,
		awarded_points, awarded_top, downgraded, draw, ledger_entry_id,
		flagged, reason, occurred_at, processed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// conn is the part of driver.Conn the sink uses.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// Connect opens and pings a native ClickHouse connection.
func Connect(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	c, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return c, nil
}

// AuditSink writes audit rows and reads them back for operators.
type AuditSink struct {
	conn conn
	now  func() time.Time
}

func NewAuditSink(c conn) *AuditSink {
	return &AuditSink{conn: c, now: time.Now}
}

// EnsureSchema creates the audit table if it is missing.
func (s *AuditSink) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, createAuditTable); err != nil {
		return fmt.Errorf("create purchase_audit: %w", err)
	}
	return nil
}

// Insert records one purchase event with its audit finding. Re-inserting the
// same event is collapsed by the table engine.
func (s *AuditSink) Insert(ctx context.Context, e domain.PurchaseCompleted, f audit.Finding) error {
	err := s.conn.Exec(ctx, insertAudit,
		e.EventID, e.AccountID, e.BoxID, e.IdempotencyKey, e.PriceCoins, int32(e.TierIndex),
		e.AwardedPoints, e.AwardedTop, e.Downgraded, e.Draw, e.LedgerEntryID,
		f.Flagged, f.Reason, e.OccurredAt.UTC(), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert purchase_audit %s: %w", e.EventID, err)
	}
	return nil
}

// TierStat is the observed frequency of one tier of a box.
type TierStat struct {
	TierIndex   int32
	Draws       uint64
	Share       float64
	TopAwards   uint64
	Downgrades  uint64
	TotalPoints int64
}

// TierDistribution aggregates committed purchases of a box since the given time.
func (s *AuditSink) TierDistribution(ctx context.Context, boxID string, since time.Time) ([]TierStat, error) {
	const q = `
		SELECT tier_index,
		       count() AS draws,
		       draws / sum(draws) OVER () AS share,
		       countIf(awarded_top) AS top_awards,
		       countIf(downgraded) AS downgrades,
		       sum(awarded_points) AS total_points
		FROM purchase_audit FINAL
		WHERE box_id = ? AND occurred_at >= ?
		GROUP BY tier_index
		ORDER BY tier_index
	`
	rows, err := s.conn.Query(ctx, q, boxID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query tier distribution: %w", err)
	}
	defer rows.Close()

	var out []TierStat
	for rows.Next() {
		var st TierStat
		if err := rows.Scan(&st.TierIndex, &st.Draws, &st.Share, &st.TopAwards, &st.Downgrades, &st.TotalPoints); err != nil {
			return nil, fmt.Errorf("scan tier distribution: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Flagged is one audit row the rule engine marked.
type Flagged struct {
	EventID    string
	AccountID  string
	BoxID      string
	Reason     string
	OccurredAt time.Time
}

// RecentFlagged returns the newest flagged events.
func (s *AuditSink) RecentFlagged(ctx context.Context, limit int) ([]Flagged, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT event_id, account_id, box_id, reason, occurred_at
		FROM purchase_audit FINAL
		WHERE flagged
		ORDER BY occurred_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query flagged purchases: %w", err)
	}
	defer rows.Close()

	var out []Flagged
	for rows.Next() {
		var f Flagged
		if err := rows.Scan(&f.EventID, &f.AccountID, &f.BoxID, &f.Reason, &f.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan flagged purchase: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
