// Package kafka wraps the segmentio reader used by the background workers.
package kafka

import (
	"context"
	"time"

	"github.com/jmehdipour/entitlements/internal/config"
	"github.com/segmentio/kafka-go"
)

type Message = kafka.Message

// Consumer is a thin wrapper around segmentio/kafka-go Reader with explicit commits.
type Consumer struct {
	r *kafka.Reader
}

// NewConsumer reads topic as member of the group "<group_id>-<suffix>".
func NewConsumer(cfg config.KafkaConfig, topic, suffix string) *Consumer {
	min := cfg.MinBytes
	if min <= 0 {
		min = 1 << 10 // 1KB
	}
	max := cfg.MaxBytes
	if max <= 0 {
		max = 10 << 20 // 10MB
	}
	ci := time.Duration(cfg.CommitInterval) * time.Millisecond
	if ci <= 0 {
		ci = time.Second
	}
	group := cfg.GroupID
	if group == "" {
		group = "entl"
	}
	if suffix != "" {
		group += "-" + suffix
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: ci,
		MaxWait:        50 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
	})
	return &Consumer{r: r}
}

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

// Group is the consumer group id in use.
func (c *Consumer) Group() string { return c.r.Config().GroupID }

func (c *Consumer) Close() error { return c.r.Close() }
