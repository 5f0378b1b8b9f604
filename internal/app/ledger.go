package app

import (
	"context"
	"fmt"
	"strings"

	"mystery-box-service/internal/core/domain"
	"mystery-box-service/internal/core/ports"
)

// ledgerService is the implementation of the LedgerService port
type ledgerService struct {
	reader ports.LedgerReader
}

// NewLedgerService wraps a store's read side with page validation.
func NewLedgerService(reader ports.LedgerReader) ports.LedgerService {
	return &ledgerService{reader: reader}
}

func (s *ledgerService) ListLedgerEntries(ctx context.Context, accountID string, page domain.Page) ([]domain.LedgerEntry, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, domain.ErrAccountNotFound
	}
	page, err := page.Normalize()
	if err != nil {
		return nil, err
	}

	entries, err := s.reader.ListLedgerEntries(ctx, accountID, page)
	if err != nil {
		return nil, fmt.Errorf("list ledger for %s: %w", accountID, err)
	}
	return entries, nil
}
