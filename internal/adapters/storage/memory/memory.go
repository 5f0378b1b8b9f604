// Package memory is an in-process implementation of the purchase store,
// catalog and ledger ports. It keeps the same atomicity and per-account
// serialization guarantees as the Postgres adapter and backs tests and
// app.store=memory runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mystery-box-service/internal/core/domain"
	"mystery-box-service/internal/core/ports"
)

type purchaseKey struct {
	accountID string
	key       string
}

type purchaseRecord struct {
	boxID  string
	result domain.PurchaseResult
}

// accountSlot pairs committed account state with the lock a scope holds on it.
// lock is a one-slot channel so acquisition can honour context cancellation.
type accountSlot struct {
	lock    chan struct{}
	account domain.Account
}

// Store holds all state in memory.
type Store struct {
	mu        sync.RWMutex
	accounts  map[string]*accountSlot
	boxes     map[string]domain.Box
	ledger    map[string][]domain.LedgerEntry
	purchases map[purchaseKey]purchaseRecord

	entryCounter atomic.Int64
	conflicts    atomic.Int32
	now          func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]*accountSlot),
		boxes:     make(map[string]domain.Box),
		ledger:    make(map[string][]domain.LedgerEntry),
		purchases: make(map[purchaseKey]purchaseRecord),
		now:       time.Now,
	}
}

// Open creates an account and records its opening balance in the ledger so
// ledger totals reconcile with balances from the first entry on.
func (s *Store) Open(accountID string, coins, points int64) error {
	if coins < 0 || points < 0 {
		return fmt.Errorf("opening balances must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; ok {
		return fmt.Errorf("account %s already exists", accountID)
	}
	s.accounts[accountID] = &accountSlot{
		lock:    make(chan struct{}, 1),
		account: domain.Account{ID: accountID, CoinsBalance: coins, PointsBalance: points},
	}
	s.ledger[accountID] = append(s.ledger[accountID], domain.LedgerEntry{
		ID:          s.entryCounter.Add(1),
		AccountID:   accountID,
		DeltaCoins:  coins,
		DeltaPoints: points,
		Reason:      domain.ReasonOpeningBalance,
		Meta:        map[string]string{},
		CreatedAt:   s.now(),
	})
	return nil
}

// PutBox publishes or replaces a box. The table is validated here, at
// publication, never at draw time.
func (s *Store) PutBox(box domain.Box) error {
	if err := box.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxes[box.ID] = box
	return nil
}

// SetBoxActive flips a published box's active flag.
func (s *Store) SetBoxActive(boxID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	box, ok := s.boxes[boxID]
	if !ok {
		return domain.ErrBoxNotFound
	}
	box.Active = active
	s.boxes[boxID] = box
	return nil
}

// InjectConflicts makes the next n commits fail with ErrTransactionConflict.
func (s *Store) InjectConflicts(n int32) {
	s.conflicts.Store(n)
}

// Account returns the committed state of an account.
func (s *Store) Account(accountID string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.accounts[accountID]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return copyAccount(slot.account), nil
}

// LedgerTotals sums every committed ledger delta of an account.
func (s *Store) LedgerTotals(accountID string) (coins, points int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.ledger[accountID] {
		coins += e.DeltaCoins
		points += e.DeltaPoints
	}
	return coins, points
}

// GetActiveBox implements ports.BoxCatalog.
func (s *Store) GetActiveBox(_ context.Context, boxID string) (domain.Box, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	box, ok := s.boxes[boxID]
	if !ok || !box.Active {
		return domain.Box{}, domain.ErrBoxNotFound
	}
	return box, nil
}

// ListLedgerEntries implements ports.LedgerReader.
func (s *Store) ListLedgerEntries(_ context.Context, accountID string, page domain.Page) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	entries := s.ledger[accountID]
	out := make([]domain.LedgerEntry, 0, page.Limit)
	for i := len(entries) - 1 - page.Offset; i >= 0 && len(out) < page.Limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// WithinTx implements ports.PurchaseStore.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.PurchaseTx) error) error {
	tx := &memTx{
		store:    s,
		held:     make(map[string]*accountSlot),
		accounts: make(map[string]domain.Account),
		claims:   make(map[purchaseKey]string),
		results:  make(map[purchaseKey]domain.PurchaseResult),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

type memTx struct {
	store    *Store
	held     map[string]*accountSlot
	accounts map[string]domain.Account
	claims   map[purchaseKey]string
	results  map[purchaseKey]domain.PurchaseResult
	entries  []domain.LedgerEntry
}

func (t *memTx) LockAccount(ctx context.Context, accountID string) (domain.Account, error) {
	if acc, ok := t.accounts[accountID]; ok {
		return copyAccount(acc), nil
	}

	t.store.mu.RLock()
	slot, ok := t.store.accounts[accountID]
	t.store.mu.RUnlock()
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}

	select {
	case slot.lock <- struct{}{}:
	case <-ctx.Done():
		return domain.Account{}, ctx.Err()
	}
	t.held[accountID] = slot

	t.store.mu.RLock()
	acc := copyAccount(slot.account)
	t.store.mu.RUnlock()
	t.accounts[accountID] = acc
	return copyAccount(acc), nil
}

func (t *memTx) LockBox(_ context.Context, boxID string) (domain.Box, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	box, ok := t.store.boxes[boxID]
	if !ok || !box.Purchasable() {
		return domain.Box{}, domain.ErrBoxNotFound
	}
	return box, nil
}

func (t *memTx) ClaimIdempotencyKey(_ context.Context, accountID, key, boxID string) (bool, error) {
	if _, ok := t.held[accountID]; !ok {
		return false, fmt.Errorf("claim idempotency key: account %s is not locked in this scope", accountID)
	}
	pk := purchaseKey{accountID: accountID, key: key}
	if _, ok := t.claims[pk]; ok {
		return false, nil
	}

	t.store.mu.RLock()
	_, exists := t.store.purchases[pk]
	t.store.mu.RUnlock()
	if exists {
		return false, nil
	}
	t.claims[pk] = boxID
	return true, nil
}

func (t *memTx) StoredResult(_ context.Context, accountID, key string) (domain.PurchaseResult, error) {
	pk := purchaseKey{accountID: accountID, key: key}
	if res, ok := t.results[pk]; ok {
		return res, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	rec, ok := t.store.purchases[pk]
	if !ok {
		return domain.PurchaseResult{}, fmt.Errorf("no stored result for idempotency key %q", key)
	}
	return rec.result, nil
}

func (t *memTx) UpdateAccount(_ context.Context, account domain.Account) error {
	if _, ok := t.held[account.ID]; !ok {
		return fmt.Errorf("update account: %s is not locked in this scope", account.ID)
	}
	if account.CoinsBalance < 0 || account.PointsBalance < 0 {
		return fmt.Errorf("update account %s: balances must not be negative", account.ID)
	}
	t.accounts[account.ID] = copyAccount(account)
	return nil
}

func (t *memTx) AppendLedgerEntry(_ context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if _, ok := t.held[entry.AccountID]; !ok {
		return domain.LedgerEntry{}, fmt.Errorf("append ledger entry: %s is not locked in this scope", entry.AccountID)
	}
	// Ids come from a store-wide counter while the account lock is held, so
	// per-account ids follow commit order.
	entry.ID = t.store.entryCounter.Add(1)
	meta := make(map[string]string, len(entry.Meta))
	for k, v := range entry.Meta {
		meta[k] = v
	}
	entry.Meta = meta
	t.entries = append(t.entries, entry)
	return entry, nil
}

func (t *memTx) SaveResult(_ context.Context, accountID, key string, result domain.PurchaseResult) error {
	pk := purchaseKey{accountID: accountID, key: key}
	if _, ok := t.claims[pk]; !ok {
		return fmt.Errorf("save result: idempotency key %q was not claimed in this scope", key)
	}
	t.results[pk] = result
	return nil
}

func (t *memTx) commit() error {
	for {
		n := t.store.conflicts.Load()
		if n <= 0 {
			break
		}
		if t.store.conflicts.CompareAndSwap(n, n-1) {
			return domain.ErrTransactionConflict
		}
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, acc := range t.accounts {
		s.accounts[id].account = acc
	}
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].ID < t.entries[j].ID })
	for _, e := range t.entries {
		s.ledger[e.AccountID] = append(s.ledger[e.AccountID], e)
	}
	for pk, boxID := range t.claims {
		s.purchases[pk] = purchaseRecord{boxID: boxID, result: t.results[pk]}
	}
	return nil
}

func (t *memTx) release() {
	for id, slot := range t.held {
		<-slot.lock
		delete(t.held, id)
	}
}

func copyAccount(a domain.Account) domain.Account {
	if a.LastTopWinAt != nil {
		ts := *a.LastTopWinAt
		a.LastTopWinAt = &ts
	}
	return a
}
