// Package messaging holds event publishers that need no external bus.
package messaging

import (
	"context"

	"go.uber.org/zap"

	"treechat/application/ports"
	"treechat/domain/events"
)

// LogPublisher writes each event to the logger. It is the default when no
// event bus is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, domainEvents []events.DomainEvent) error {
	for _, e := range domainEvents {
		p.logger.Info("Domain event",
			zap.String("event_type", e.GetEventType()),
			zap.String("aggregate_id", e.GetAggregateID()),
			zap.Time("timestamp", e.GetTimestamp()),
		)
	}
	return nil
}

var _ ports.EventPublisher = (*LogPublisher)(nil)
