package domain

import (
	"fmt"
	"strings"
	"time"
)

// LedgerReason tags why a ledger entry exists, to avoid "magic strings".
type LedgerReason string

const (
	ReasonBoxPurchase    LedgerReason = "box_purchase"
	ReasonOpeningBalance LedgerReason = "opening_balance"
)

const (
	maxIdempotencyKeyLen = 128

	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Account holds a user's balances and the timestamp driving the top-tier cooldown.
type Account struct {
	ID            string
	CoinsBalance  int64
	PointsBalance int64
	LastTopWinAt  *time.Time
}

// LedgerEntry is an immutable balance delta. Entries are only ever appended.
type LedgerEntry struct {
	ID          int64             `json:"id"`
	AccountID   string            `json:"account_id"`
	DeltaCoins  int64             `json:"delta_coins"`
	DeltaPoints int64             `json:"delta_points"`
	Reason      LedgerReason      `json:"reason"`
	Meta        map[string]string `json:"meta"`
	CreatedAt   time.Time         `json:"created_at"`
}

// PurchaseRequest is the validated triple handed to the core by the API layer.
type PurchaseRequest struct {
	AccountID      string
	BoxID          string
	IdempotencyKey string
}

// Normalize trims the request fields and rejects an unusable idempotency key.
func (r PurchaseRequest) Normalize() (PurchaseRequest, error) {
	r.AccountID = strings.TrimSpace(r.AccountID)
	r.BoxID = strings.TrimSpace(r.BoxID)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)

	if r.IdempotencyKey == "" || len(r.IdempotencyKey) > maxIdempotencyKeyLen {
		return r, ErrInvalidIdempotencyKey
	}
	if r.AccountID == "" {
		return r, ErrAccountNotFound
	}
	if r.BoxID == "" {
		return r, ErrBoxNotFound
	}
	return r, nil
}

// PurchaseResult is what a purchase returns, and what a replay returns again.
type PurchaseResult struct {
	AwardedPoints    int64 `json:"awarded_points"`
	AwardedTop       bool  `json:"awarded_top"`
	Downgraded       bool  `json:"downgraded"`
	TierIndex        int   `json:"tier_index"`
	NewCoinsBalance  int64 `json:"new_coins_balance"`
	NewPointsBalance int64 `json:"new_points_balance"`
	LedgerEntryID    int64 `json:"ledger_entry_id"`
	Replayed         bool  `json:"replayed"`
}

// Page selects a window of a newest-first listing.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default limit and caps it.
func (p Page) Normalize() (Page, error) {
	if p.Limit < 0 || p.Offset < 0 {
		return p, fmt.Errorf("%w: limit=%d offset=%d", ErrInvalidPage, p.Limit, p.Offset)
	}
	if p.Limit == 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p, nil
}

// PurchaseCompleted is the event emitted after a purchase commits.
type PurchaseCompleted struct {
	EventID        string    `json:"event_id"`
	AccountID      string    `json:"account_id"`
	BoxID          string    `json:"box_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	PriceCoins     int64     `json:"price_coins"`
	TierIndex      int       `json:"tier_index"`
	AwardedPoints  int64     `json:"awarded_points"`
	AwardedTop     bool      `json:"awarded_top"`
	Downgraded     bool      `json:"downgraded"`
	Draw           float64   `json:"draw"`
	LedgerEntryID  int64     `json:"ledger_entry_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}
