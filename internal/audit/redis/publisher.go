// Package redis publishes audit facts to Redis Streams.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config contains Redis publisher configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	// MaxLen approximately caps each stream. Zero keeps everything.
	MaxLen int64
}

// Publisher implements audit.Publisher using XADD.
type Publisher struct {
	client *redis.Client
	maxLen int64
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Publisher{client: client, maxLen: cfg.MaxLen}, nil
}

// Publish appends the fact to the stream named by topic.
func (p *Publisher) Publish(ctx context.Context, topic, detailType string, payload []byte, timestamp time.Time) error {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			"detail_type": detailType,
			"timestamp":   timestamp.UTC().Format(time.RFC3339Nano),
			"payload":     payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd to redis stream %s: %w", topic, err)
	}
	return nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
