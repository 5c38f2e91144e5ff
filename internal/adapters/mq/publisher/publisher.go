// Package publisher delivers outcome events to Kafka, RabbitMQ or the log.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/okian/receiptreward/internal/domain/model"
	"github.com/okian/receiptreward/pkg/logger"
)

// Log writes each outcome event as a structured log line.
type Log struct {
	log logger.Logger
}

// NewLog creates a log publisher. A nil logger uses the "events" logger.
func NewLog(l logger.Logger) *Log {
	if l == nil {
		l = logger.Named("events")
	}
	return &Log{log: l}
}

// Publish logs e.
func (p *Log) Publish(ctx context.Context, e model.OutcomeEvent) error {
	p.log.Info(ctx, "submission outcome",
		logger.String("submission_id", e.SubmissionID),
		logger.String("address", e.Address),
		logger.String("device_id", e.DeviceID),
		logger.Int64("timestamp", e.Timestamp),
		logger.Bool("approved", e.Approved),
		logger.Bool("reward_issued", e.RewardIssued),
		logger.Float64("validity_factor", e.ValidityFactor),
	)
	return nil
}

// Name implements worker.Publisher.
func (p *Log) Name() string { return "log" }

// Close is a no-op.
func (p *Log) Close() error { return nil }

func encode(e model.OutcomeEvent) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal outcome event: %w", err)
	}
	return body, nil
}
