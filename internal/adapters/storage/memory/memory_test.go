package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mystery-box-service/internal/core/domain"
	"mystery-box-service/internal/core/ports"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.Open("acc-1", 5000, 0))
	require.NoError(t, s.Open("acc-2", 100, 0))
	require.NoError(t, s.PutBox(domain.Box{
		ID: "gold", PriceCoins: 1000, Active: true,
		Table: domain.RewardTable{Tiers: []domain.RewardTier{{Points: 600, Probability: 1}}},
	}))
	return s
}

func TestWithinTx_RollbackDiscardsEverything(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx ports.PurchaseTx) error {
		acc, err := tx.LockAccount(ctx, "acc-1")
		require.NoError(t, err)
		claimed, err := tx.ClaimIdempotencyKey(ctx, "acc-1", "k1", "gold")
		require.NoError(t, err)
		require.True(t, claimed)
		acc.CoinsBalance -= 1000
		require.NoError(t, tx.UpdateAccount(ctx, acc))
		_, err = tx.AppendLedgerEntry(ctx, domain.LedgerEntry{AccountID: "acc-1", DeltaCoins: -1000})
		require.NoError(t, err)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	acc, err := s.Account("acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), acc.CoinsBalance)
	coins, _ := s.LedgerTotals("acc-1")
	assert.Equal(t, int64(5000), coins)

	// the key was never committed, so it can be claimed again
	err = s.WithinTx(ctx, func(ctx context.Context, tx ports.PurchaseTx) error {
		_, err := tx.LockAccount(ctx, "acc-1")
		require.NoError(t, err)
		claimed, err := tx.ClaimIdempotencyKey(ctx, "acc-1", "k1", "gold")
		require.NoError(t, err)
		assert.True(t, claimed)
		return nil
	})
	assert.NoError(t, err)
}

func TestWithinTx_CommittedClaimIsExclusive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	want := domain.PurchaseResult{AwardedPoints: 600, NewCoinsBalance: 4000}

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx ports.PurchaseTx) error {
		if _, err := tx.LockAccount(ctx, "acc-1"); err != nil {
			return err
		}
		if _, err := tx.ClaimIdempotencyKey(ctx, "acc-1", "k1", "gold"); err != nil {
			return err
		}
		return tx.SaveResult(ctx, "acc-1", "k1", want)
	}))

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx ports.PurchaseTx) error {
		_, err := tx.LockAccount(ctx, "acc-1")
		require.NoError(t, err)
		claimed, err := tx.ClaimIdempotencyKey(ctx, "acc-1", "k1", "gold")
		require.NoError(t, err)
		assert.False(t, claimed)
		got, err := tx.StoredResult(ctx, "acc-1", "k1")
		require.NoError(t, err)
		assert.Equal(t, want, got)

		// same key on another account is independent
		_, err = tx.LockAccount(ctx, "acc-2")
		require.NoError(t, err)
		claimed, err = tx.ClaimIdempotencyKey(ctx, "acc-2", "k1", "gold")
		require.NoError(t, err)
		assert.True(t, claimed)
		return nil
	}))
}

func TestClaimRequiresLock(t *testing.T) {
	s := newStore(t)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx ports.PurchaseTx) error {
		_, err := tx.ClaimIdempotencyKey(ctx, "acc-1", "k1", "gold")
		return err
	})

	assert.Error(t, err)
}

func TestLockAccount_DifferentAccountsDoNotBlock(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	locked := make(chan struct{})
	releaseFirst := make(chan struct{})
	firstDone := make(chan error, 1)

	go func() {
		firstDone <- s.WithinTx(ctx, func(ctx context.Context, tx ports.PurchaseTx) error {
			if _, err := tx.LockAccount(ctx, "acc-1"); err != nil {
				return err
			}
			close(locked)
			<-releaseFirst
			return nil
		})
	}()
	<-locked

	otherCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	err := s.WithinTx(otherCtx, func(ctx context.Context, tx ports.PurchaseTx) error {
		_, err := tx.LockAccount(ctx, "acc-2")
		return err
	})
	assert.NoError(t, err)

	close(releaseFirst)
	assert.NoError(t, <-firstDone)
}

func TestLockAccount_SameAccountWaitsAndHonoursContext(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	locked := make(chan struct{})
	releaseFirst := make(chan struct{})
	firstDone := make(chan error, 1)

	go func() {
		firstDone <- s.WithinTx(ctx, func(ctx context.Context, tx ports.PurchaseTx) error {
			if _, err := tx.LockAccount(ctx, "acc-1"); err != nil {
				return err
			}
			close(locked)
			<-releaseFirst
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.WithinTx(waitCtx, func(ctx context.Context, tx ports.PurchaseTx) error {
		_, err := tx.LockAccount(ctx, "acc-1")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(releaseFirst)
	require.NoError(t, <-firstDone)
}

func TestInjectConflicts(t *testing.T) {
	s := newStore(t)
	s.InjectConflicts(1)
	noop := func(ctx context.Context, tx ports.PurchaseTx) error { return nil }

	assert.ErrorIs(t, s.WithinTx(context.Background(), noop), domain.ErrTransactionConflict)
	assert.NoError(t, s.WithinTx(context.Background(), noop))
}

func TestListLedgerEntries_NewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx ports.PurchaseTx) error {
			if _, err := tx.LockAccount(ctx, "acc-1"); err != nil {
				return err
			}
			_, err := tx.AppendLedgerEntry(ctx, domain.LedgerEntry{AccountID: "acc-1", DeltaPoints: int64(i + 1)})
			return err
		}))
	}

	entries, err := s.ListLedgerEntries(ctx, "acc-1", domain.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].DeltaPoints)
	assert.Equal(t, int64(2), entries[1].DeltaPoints)
	assert.Greater(t, entries[0].ID, entries[1].ID)

	entries, err = s.ListLedgerEntries(ctx, "acc-1", domain.Page{Limit: 10, Offset: 3})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ReasonOpeningBalance, entries[0].Reason)

	_, err = s.ListLedgerEntries(ctx, "nobody", domain.Page{Limit: 10})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestPutBox_RejectsMalformedTable(t *testing.T) {
	s := New()

	err := s.PutBox(domain.Box{ID: "bad", PriceCoins: 10, Active: true,
		Table: domain.RewardTable{Tiers: []domain.RewardTier{{Points: 1, Probability: 0.4}}}})

	assert.ErrorIs(t, err, domain.ErrMalformedRewardTable)
}

func TestGetActiveBox(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	box, err := s.GetActiveBox(ctx, "gold")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), box.PriceCoins)

	require.NoError(t, s.SetBoxActive("gold", false))
	_, err = s.GetActiveBox(ctx, "gold")
	assert.ErrorIs(t, err, domain.ErrBoxNotFound)
}
