package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a topic keyed by assignment, so every event
// of one trip lands on the same partition in order.
type KafkaPublisher struct {
	writer           messageWriter
	publishSnapshots bool
}

// NewKafkaPublisher uses an async writer; WriteMessages returns without
// waiting for broker acknowledgement.
func NewKafkaPublisher(brokers []string, topic string, publishSnapshots bool) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
	}
	return &KafkaPublisher{writer: w, publishSnapshots: publishSnapshots}
}

func (k *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.Type == SnapshotUpdated && !k.publishSnapshots {
		return nil
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.Type, err)
	}

	key := event.AssignmentID
	if key == "" {
		key = event.RequestID
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
		Time: event.OccurredAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.Type, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
