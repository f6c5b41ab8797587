package audit

import (
	"context"
	"log/slog"
	"time"
)

// Publisher delivers a payload to the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic, detailType string, payload []byte, timestamp time.Time) error
	Close() error
}

// LogPublisher writes facts to the log. Used when no bus is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a new log publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, topic, detailType string, payload []byte, timestamp time.Time) error {
	p.logger.InfoContext(ctx, "audit fact",
		"topic", topic,
		"detail_type", detailType,
		"timestamp", timestamp,
		"payload", string(payload),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
