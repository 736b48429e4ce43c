// Package kafka wraps segmentio/kafka-go. Producers publish JSON events;
// consumers hand each message to a MessageHandler and commit it once the
// handler returns.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
)

// MessageHandler is invoked for each message. A returned error leaves the
// message uncommitted.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// ConsumerOptions tunes one consumer. GroupID defaults to the configured
// consumer group. A positive IdleTimeout ends Start once no message has
// arrived for that long.
type ConsumerOptions struct {
	GroupID     string
	StartOffset int64
	IdleTimeout time.Duration
}

type Consumer struct {
	reader  *kafka.Reader
	idle    time.Duration
	logger  *slog.Logger
	handler MessageHandler
}

func NewConsumer(cfg config.KafkaConfig, topic string, opts ConsumerOptions, handler MessageHandler) *Consumer {
	group := opts.GroupID
	if group == "" {
		group = cfg.ConsumerGroup
	}
	offset := opts.StartOffset
	if offset == 0 {
		offset = kafka.LastOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1,
		MaxBytes:    maxMessageBytes,
		StartOffset: offset,
	})
	return &Consumer{
		reader:  r,
		idle:    opts.IdleTimeout,
		logger:  logger.WithComponent("kafka-consumer").With("topic", topic, "group", group),
		handler: handler,
	}
}

// Start consumes until ctx is cancelled or the consumer has been idle for
// IdleTimeout. It closes the reader before returning.
func (c *Consumer) Start(ctx context.Context) error {
	defer c.reader.Close()
	c.logger.Info("consumer started")
	for {
		msg, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("consumer idle, stopping", "idle_timeout", c.idle)
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		if err := c.handler(ctx, msg.Key, msg.Value); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to process message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

func (c *Consumer) fetch(ctx context.Context) (kafka.Message, error) {
	if c.idle <= 0 {
		return c.reader.FetchMessage(ctx)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.idle)
	defer cancel()
	return c.reader.FetchMessage(fetchCtx)
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
