// Package source provides document streams for the ingestion pipeline other
// than the Gutenberg fetcher. A Kafka topic carries one JSON record per
// document, keyed by document id.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
)

// Kafka streams records from the document ingest topic. The stream ends
// when the topic has been idle for the configured timeout or ctx ends.
type Kafka struct {
	cfg    config.KafkaConfig
	buffer int
	logger *slog.Logger
}

func NewKafka(cfg config.KafkaConfig, buffer int) *Kafka {
	return &Kafka{cfg: cfg, buffer: buffer, logger: logger.WithComponent("kafka-source")}
}

// Records starts consuming and returns the record stream. Malformed
// messages are logged and committed so they are not redelivered.
func (k *Kafka) Records(ctx context.Context) <-chan corpus.Record {
	out := make(chan corpus.Record, k.buffer)
	consumer := kafka.NewConsumer(k.cfg, k.cfg.Topics.DocumentIngest, kafka.ConsumerOptions{
		StartOffset: kafkago.FirstOffset,
		IdleTimeout: k.cfg.IdleTimeout,
	}, Handler(out, k.logger))
	go func() {
		defer close(out)
		if err := consumer.Start(ctx); err != nil {
			k.logger.Error("document consumer stopped", "error", err)
		}
	}()
	return out
}

// Handler decodes each message into a Record and forwards it to out,
// blocking until the pipeline accepts it.
func Handler(out chan<- corpus.Record, log *slog.Logger) kafka.MessageHandler {
	return func(ctx context.Context, key, value []byte) error {
		rec, err := Decode(key, value)
		if err != nil {
			log.Warn("dropping malformed record", "key", string(key), "error", err)
			return nil
		}
		select {
		case out <- rec:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Decode parses one message. The document id comes from the payload, or
// from the message key when the payload omits it.
func Decode(key, value []byte) (corpus.Record, error) {
	rec, err := kafka.DecodeJSON[corpus.Record](value)
	if err != nil {
		return corpus.Record{}, err
	}
	if rec.ID == 0 && len(key) > 0 {
		id, err := strconv.ParseInt(string(key), 10, 64)
		if err != nil {
			return corpus.Record{}, fmt.Errorf("%w: key %q is not a document id", apperrors.ErrInvalidInput, key)
		}
		rec.ID = id
	}
	if rec.ID <= 0 {
		return corpus.Record{}, fmt.Errorf("%w: record has no document id", apperrors.ErrInvalidInput)
	}
	if rec.Authors == nil {
		rec.Authors = []string{}
	}
	return rec, nil
}

// BatchPublisher writes events in one call. *kafka.Producer implements it.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Publish sends records to the document ingest topic, keyed by id. Used
// by producers feeding the builder.
func Publish(ctx context.Context, p BatchPublisher, records []corpus.Record) error {
	events := make([]kafka.Event, len(records))
	for i, r := range records {
		events[i] = kafka.Event{Key: strconv.FormatInt(r.ID, 10), Value: r}
	}
	return p.PublishBatch(ctx, events)
}

// PublishStream drains the stream returned by open onto p in batches of
// batchSize and returns how many records were published. The context given
// to open is cancelled when PublishStream returns, so the goroutine feeding
// the stream stops on an early publish error too.
func PublishStream(ctx context.Context, p BatchPublisher, open func(context.Context) <-chan corpus.Record, batchSize int) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batchSize = max(batchSize, 1)
	batch := make([]corpus.Record, 0, batchSize)
	published := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := Publish(ctx, p, batch); err != nil {
			return err
		}
		published += len(batch)
		batch = batch[:0]
		return nil
	}
	for rec := range open(ctx) {
		batch = append(batch, rec)
		if len(batch) < batchSize {
			continue
		}
		if err := flush(); err != nil {
			return published, err
		}
	}
	if err := flush(); err != nil {
		return published, err
	}
	return published, ctx.Err()
}
