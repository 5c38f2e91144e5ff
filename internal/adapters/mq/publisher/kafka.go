package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/okian/receiptreward/internal/domain/model"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes outcome events as JSON, keyed by wallet address so one
// address's outcomes stay ordered within a partition.
type Kafka struct {
	writer MessageWriter
}

// NewKafka wraps an existing writer.
func NewKafka(w MessageWriter) *Kafka {
	return &Kafka{writer: w}
}

// NewKafkaWriter builds a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	return NewKafka(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}), nil
}

// Publish writes e to the topic.
func (p *Kafka) Publish(ctx context.Context, e model.OutcomeEvent) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(e.Address),
		Value: body,
		Time:  time.UnixMilli(e.Timestamp),
		Headers: []kafka.Header{
			{Key: "submission-id", Value: []byte(e.SubmissionID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Name implements worker.Publisher.
func (p *Kafka) Name() string { return "kafka" }

// Close flushes and closes the writer.
func (p *Kafka) Close() error { return p.writer.Close() }
