package publisher

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/okian/receiptreward/internal/domain/model"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes outcome events as persistent JSON messages on an exchange.
type AMQP struct {
	conn       *amqp.Connection
	channel    Channel
	exchange   string
	routingKey string
}

// NewAMQP wraps an open channel.
func NewAMQP(ch Channel, exchange, routingKey string) *AMQP {
	return &AMQP{channel: ch, exchange: exchange, routingKey: routingKey}
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange, routingKey string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange %s: %w", exchange, err)
	}
	p := NewAMQP(ch, exchange, routingKey)
	p.conn = conn
	return p, nil
}

// Publish sends e to the exchange.
func (p *AMQP) Publish(ctx context.Context, e model.OutcomeEvent) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	err = p.channel.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    e.SubmissionID,
		Body:         body,
		Timestamp:    time.UnixMilli(e.Timestamp),
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Name implements worker.Publisher.
func (p *AMQP) Name() string { return "amqp" }

// Close closes the channel and, when dialed, the connection.
func (p *AMQP) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
