// Package kafka publishes audit facts to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config contains Kafka publisher configuration.
type Config struct {
	Brokers      []string
	BatchTimeout time.Duration
}

// Publisher implements audit.Publisher using Kafka.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a new Kafka publisher. The topic is chosen per message.
func NewPublisher(cfg Config) *Publisher {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	return &Publisher{writer: writer}
}

// Publish writes one message keyed by incident so that an incident's facts
// stay on one partition.
func (p *Publisher) Publish(ctx context.Context, topic, detailType string, payload []byte, timestamp time.Time) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   incidentKey(payload),
		Value: payload,
		Time:  timestamp,
		Headers: []kafka.Header{
			{Key: "detail-type", Value: []byte(detailType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message to kafka: %w", err)
	}
	return nil
}

// Close closes the Kafka writer.
func (p *Publisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
