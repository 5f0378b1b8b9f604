package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/twmb/franz-go/pkg/kgo"

	"mystery-box-service/internal/audit"
	"mystery-box-service/internal/core/domain"
)

// auditSink is the part of clickhouse.AuditSink the consumer writes through.
type auditSink interface {
	Insert(ctx context.Context, e domain.PurchaseCompleted, f audit.Finding) error
}

// deadLetterFunc parks a record that can never be processed.
type deadLetterFunc func(ctx context.Context, rec *kgo.Record, errorType, errorString string) error

type processor struct {
	engine     audit.RuleEngine
	sink       auditSink
	deadLetter deadLetterFunc
	retry      retrypolicy.RetryPolicy[any]
	logger     *slog.Logger
}

func newProcessor(engine audit.RuleEngine, sink auditSink, deadLetter deadLetterFunc, logger *slog.Logger) *processor {
	return &processor{
		engine:     engine,
		sink:       sink,
		deadLetter: deadLetter,
		retry: retrypolicy.NewBuilder[any]().
			WithMaxRetries(3).
			WithBackoff(100*time.Millisecond, 2*time.Second).
			Build(),
		logger: logger,
	}
}

// processBatch handles records in order and returns the prefix that is safe
// to commit. It stops at the first record that could neither be stored nor
// dead-lettered.
func (p *processor) processBatch(ctx context.Context, records []*kgo.Record) ([]*kgo.Record, error) {
	for i, rec := range records {
		if err := p.handle(ctx, rec); err != nil {
			return records[:i], fmt.Errorf("partition %d offset %d: %w", rec.Partition, rec.Offset, err)
		}
	}
	return records, nil
}

func (p *processor) handle(ctx context.Context, rec *kgo.Record) error {
	var event domain.PurchaseCompleted
	if err := json.Unmarshal(rec.Value, &event); err != nil {
		p.logger.Error("Failed to parse purchase event, sending to DLQ", "offset", rec.Offset, "error", err)
		return p.deadLetter(ctx, rec, "unmarshal_error", err.Error())
	}
	if event.EventID == "" || event.AccountID == "" || event.BoxID == "" {
		p.logger.Error("Purchase event missing identifiers, sending to DLQ", "offset", rec.Offset)
		return p.deadLetter(ctx, rec, "validation_error", "event_id, account_id and box_id are required")
	}

	finding := p.engine.Check(ctx, event)

	var lastErr error
	err := failsafe.With[any](p.retry).WithContext(ctx).Run(func() error {
		lastErr = p.sink.Insert(ctx, event, finding)
		return lastErr
	})
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return fmt.Errorf("store audit row: %w", err)
	}

	if finding.Flagged {
		p.logger.Warn("purchase flagged",
			"event_id", event.EventID, "account_id", event.AccountID, "box_id", event.BoxID, "reason", finding.Reason)
	} else {
		p.logger.Debug("purchase audited", "event_id", event.EventID, "account_id", event.AccountID)
	}
	return nil
}
