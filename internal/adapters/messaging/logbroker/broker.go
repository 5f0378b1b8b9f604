// Package logbroker is a MessageBroker that only logs. It is used when no
// Kafka cluster is configured.
package logbroker

import (
	"context"
	"log/slog"

	"mystery-box-service/internal/core/domain"
)

// Broker - stub for MessageBroker
type Broker struct {
	logger *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{logger: logger}
}

func (b *Broker) PublishPurchaseCompleted(ctx context.Context, event domain.PurchaseCompleted) error {
	b.logger.InfoContext(ctx, "purchase event (kafka disabled)",
		"event_id", event.EventID,
		"account_id", event.AccountID,
		"box_id", event.BoxID,
		"awarded_points", event.AwardedPoints,
		"ledger_entry_id", event.LedgerEntryID,
	)
	return nil
}

func (b *Broker) Close() {}
