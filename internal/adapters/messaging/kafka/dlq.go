package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DLQ header keys.
const (
	HeaderErrorType     = "error_type"
	HeaderErrorString   = "error_string"
	HeaderOriginalTopic = "original_topic"
)

// DeadLetter builds the DLQ copy of a record that could not be processed.
func DeadLetter(dlqTopic string, original *kgo.Record, errorType, errorString string) *kgo.Record {
	return &kgo.Record{
		Topic: dlqTopic,
		Key:   original.Key,
		Value: original.Value,
		// Add headers with metadata about the failure for easier debugging.
		Headers: []kgo.RecordHeader{
			{Key: HeaderErrorType, Value: []byte(errorType)},
			{Key: HeaderErrorString, Value: []byte(errorString)},
			{Key: HeaderOriginalTopic, Value: []byte(original.Topic)},
		},
	}
}

// SendToDLQ synchronously writes the dead-letter copy of original. Losing a
// DLQ record loses the event, so the caller must not commit the original
// offset when this fails.
func SendToDLQ(ctx context.Context, p *kgo.Client, dlqTopic string, original *kgo.Record, errorType, errorString string) error {
	if err := p.ProduceSync(ctx, DeadLetter(dlqTopic, original, errorType, errorString)).FirstErr(); err != nil {
		return fmt.Errorf("send to dlq %s: %w", dlqTopic, err)
	}
	return nil
}

// Header returns the value of the named header, or "".
func Header(r *kgo.Record, key string) string {
	for _, h := range r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
