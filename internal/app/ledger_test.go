package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mystery-box-service/internal/core/domain"
)

type MockLedgerReader struct {
	mock.Mock
}

func (m *MockLedgerReader) ListLedgerEntries(ctx context.Context, accountID string, page domain.Page) ([]domain.LedgerEntry, error) {
	args := m.Called(ctx, accountID, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.LedgerEntry), args.Error(1)
}

func TestListLedgerEntries_AppliesDefaultPage(t *testing.T) {
	// --- Arrange ---
	reader := new(MockLedgerReader)
	want := []domain.LedgerEntry{{ID: 2, AccountID: "acc-1"}, {ID: 1, AccountID: "acc-1"}}
	reader.On("ListLedgerEntries", mock.Anything, "acc-1", domain.Page{Limit: domain.DefaultPageLimit}).Return(want, nil)
	svc := NewLedgerService(reader)

	// --- Act ---
	got, err := svc.ListLedgerEntries(context.Background(), " acc-1 ", domain.Page{})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, want, got)
	reader.AssertExpectations(t)
}

func TestListLedgerEntries_ClampsLimit(t *testing.T) {
	reader := new(MockLedgerReader)
	reader.On("ListLedgerEntries", mock.Anything, "acc-1", domain.Page{Limit: domain.MaxPageLimit, Offset: 10}).
		Return([]domain.LedgerEntry{}, nil)
	svc := NewLedgerService(reader)

	_, err := svc.ListLedgerEntries(context.Background(), "acc-1", domain.Page{Limit: 10_000, Offset: 10})

	require.NoError(t, err)
	reader.AssertExpectations(t)
}

func TestListLedgerEntries_RejectsBadInput(t *testing.T) {
	reader := new(MockLedgerReader)
	svc := NewLedgerService(reader)
	ctx := context.Background()

	_, err := svc.ListLedgerEntries(ctx, "", domain.Page{})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = svc.ListLedgerEntries(ctx, "acc-1", domain.Page{Offset: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidPage)

	reader.AssertNotCalled(t, "ListLedgerEntries", mock.Anything, mock.Anything, mock.Anything)
}

func TestListLedgerEntries_WrapsReaderError(t *testing.T) {
	reader := new(MockLedgerReader)
	reader.On("ListLedgerEntries", mock.Anything, "acc-1", mock.Anything).
		Return(nil, errors.Join(domain.ErrStorageUnavailable, errors.New("dial tcp")))
	svc := NewLedgerService(reader)

	_, err := svc.ListLedgerEntries(context.Background(), "acc-1", domain.Page{})

	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}
