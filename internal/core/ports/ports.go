package ports

import (
	"context"
	"time"

	"mystery-box-service/internal/core/domain"
)

// BoxCatalog is the read-only catalog boundary. It returns domain.ErrBoxNotFound
// for unknown boxes; callers still check Purchasable.
type BoxCatalog interface {
	GetActiveBox(ctx context.Context, boxID string) (domain.Box, error)
}

// PurchaseStore opens an atomic scope over accounts, ledger and idempotency
// records. Everything fn does through tx commits together or not at all; a
// returned error rolls the scope back. Implementations report transient
// failures as domain.ErrTransactionConflict and never degrade to non-atomic
// execution.
type PurchaseStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx PurchaseTx) error) error
}

// PurchaseTx is the unit of work a purchase runs in. LockAccount must be the
// first call for an account: it serializes concurrent scopes on that account.
type PurchaseTx interface {
	LockAccount(ctx context.Context, accountID string) (domain.Account, error)
	// LockBox reads the box as currently published and holds it until the
	// scope ends. Its price and table are the ones the purchase charges and
	// draws from; domain.ErrBoxNotFound means it is gone or unpurchasable.
	LockBox(ctx context.Context, boxID string) (domain.Box, error)
	// ClaimIdempotencyKey inserts the key if absent and reports whether this
	// scope owns it. false means a committed purchase already used the key.
	ClaimIdempotencyKey(ctx context.Context, accountID, key, boxID string) (bool, error)
	StoredResult(ctx context.Context, accountID, key string) (domain.PurchaseResult, error)
	UpdateAccount(ctx context.Context, account domain.Account) error
	AppendLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error)
	SaveResult(ctx context.Context, accountID, key string, result domain.PurchaseResult) error
}

// LedgerReader is the read side of the ledger, newest entries first.
type LedgerReader interface {
	ListLedgerEntries(ctx context.Context, accountID string, page domain.Page) ([]domain.LedgerEntry, error)
}

// MessageBroker is an outgoing port for sending messages.
type MessageBroker interface {
	PublishPurchaseCompleted(ctx context.Context, event domain.PurchaseCompleted) error
}

// RateLimiterRepository counts requests per key within a window.
type RateLimiterRepository interface {
	IsAllowed(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// PurchaseService is an "incoming port": how the outside world opens a box.
type PurchaseService interface {
	Purchase(ctx context.Context, req domain.PurchaseRequest) (domain.PurchaseResult, error)
}

// LedgerService exposes ledger listings to reporting code.
type LedgerService interface {
	ListLedgerEntries(ctx context.Context, accountID string, page domain.Page) ([]domain.LedgerEntry, error)
}
