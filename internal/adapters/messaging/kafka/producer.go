package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"mystery-box-service/internal/core/domain"
)

// Broker is an implementation of the MessageBroker port for Kafka.
type Broker struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewBroker creates a new Kafka broker instance.
func NewBroker(ctx context.Context, bootstrapServers []string, topic string, logger *slog.Logger) (*Broker, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(bootstrapServers...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(10 * time.Second),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	// Checking the connection
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}

	return &Broker{
		client: client,
		topic:  topic,
		logger: logger,
	}, nil
}

// PublishPurchaseCompleted publishes a committed purchase. Records are keyed
// by account so one account's events stay ordered within a partition.
func (b *Broker) PublishPurchaseCompleted(ctx context.Context, event domain.PurchaseCompleted) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal purchase event: %w", err)
	}

	record := &kgo.Record{
		Key:   []byte(event.AccountID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(event.EventID)},
			{Key: "box_id", Value: []byte(event.BoxID)},
		},
	}

	b.wg.Add(1)
	// Produce sends a record asynchronously. The request context may end
	// before delivery, so delivery is not bound to it.
	b.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		defer b.wg.Done()
		if err != nil {
			b.logger.Error("failed to deliver purchase event to kafka",
				"topic", r.Topic, "event_id", event.EventID, "ledger_entry_id", event.LedgerEntryID, "error", err)
			return
		}
		b.logger.Debug("purchase event delivered to kafka", "topic", r.Topic, "partition", r.Partition, "offset", r.Offset)
	})

	return nil
}

// Close gracefully stops the producer.
func (b *Broker) Close() {
	b.logger.Info("waiting for pending kafka deliveries...")
	b.wg.Wait()
	b.client.Close()
	b.logger.Info("kafka client stopped")
}
