package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/metrics"
)

// DocumentWriter persists batches of indexed documents atomically.
type DocumentWriter interface {
	WriteDocuments(ctx context.Context, docs []corpus.IndexedDocument) error
}

// WriterConfig tunes batching. A batch is written when it holds BatchRows
// frequency rows or BatchDocuments documents, whichever comes first, and at
// least every FlushInterval while documents are waiting.
type WriterConfig struct {
	QueueSize      int
	BatchRows      int
	BatchDocuments int
	FlushInterval  time.Duration
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.BatchRows <= 0 {
		c.BatchRows = 5000
	}
	if c.BatchDocuments <= 0 {
		c.BatchDocuments = 16
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	return c
}

// Writer is the frequency writer stage of one shard: a bounded queue drained
// by a single goroutine that owns its own store connection. The producer
// blocks when the queue is full. Each batch is submitted once; re-submission
// is up to the DocumentWriter it is given.
//
// Enqueue after Close returns ErrWriterClosed. A Close racing a blocked
// Enqueue waits for that document to be queued.
type Writer struct {
	shardID string
	store   DocumentWriter
	cfg     WriterConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue   chan corpus.IndexedDocument
	done    chan struct{}
	failed  chan struct{}
	err     error
	started atomic.Bool

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	rows    atomic.Int64
	batches atomic.Int64
}

// NewWriter creates a stopped Writer. m may be nil.
func NewWriter(shardID string, store DocumentWriter, cfg WriterConfig, m *metrics.Metrics) *Writer {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.Discard()
	}
	return &Writer{
		shardID: shardID,
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.WithShard("frequency-writer", shardID),
		queue:   make(chan corpus.IndexedDocument, cfg.QueueSize),
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
	}
}

// Start launches the consuming goroutine. Cancelling ctx aborts the writer
// without flushing.
func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
	w.logger.Info("frequency writer started",
		"queue_size", w.cfg.QueueSize,
		"batch_rows", w.cfg.BatchRows,
		"batch_documents", w.cfg.BatchDocuments,
		"flush_interval", w.cfg.FlushInterval,
	)
}

// Enqueue hands one document to the writer, blocking while the queue is full.
// It fails once the writer has failed or ctx is done.
func (w *Writer) Enqueue(ctx context.Context, doc corpus.IndexedDocument) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("shard %s: %w", w.shardID, apperrors.ErrWriterClosed)
	}
	select {
	case <-w.failed:
		return w.err
	default:
	}
	select {
	case w.queue <- doc:
		w.metrics.WriterQueueDepth.WithLabelValues(w.shardID).Set(float64(len(w.queue)))
		return nil
	case <-w.failed:
		return w.err
	case <-w.done:
		return fmt.Errorf("shard %s: %w", w.shardID, apperrors.ErrWriterClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting documents, waits for every queued document to be
// written and returns the writer's terminal error, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	if w.started.Load() {
		<-w.done
	}
	return w.err
}

// Err returns the terminal error once the writer has stopped.
func (w *Writer) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Written returns the number of documents committed so far.
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// Rows returns the number of frequency rows committed so far.
func (w *Writer) Rows() int64 {
	return w.rows.Load()
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]corpus.IndexedDocument, 0, w.cfg.BatchDocuments)
	rows := 0
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		if err := w.write(ctx, batch, rows); err != nil {
			w.fail(err)
			return false
		}
		batch = make([]corpus.IndexedDocument, 0, w.cfg.BatchDocuments)
		rows = 0
		return true
	}

	for {
		select {
		case doc, ok := <-w.queue:
			if !ok {
				if flush() {
					w.logger.Info("frequency writer drained",
						"documents", w.written.Load(),
						"rows", w.rows.Load(),
						"batches", w.batches.Load(),
					)
				}
				return
			}
			w.metrics.WriterQueueDepth.WithLabelValues(w.shardID).Set(float64(len(w.queue)))
			batch = append(batch, doc)
			rows += len(doc.Frequencies)
			if rows >= w.cfg.BatchRows || len(batch) >= w.cfg.BatchDocuments {
				if !flush() {
					return
				}
			}
		case <-ticker.C:
			if !flush() {
				return
			}
		case <-ctx.Done():
			w.fail(fmt.Errorf("shard %s: frequency writer aborted with %d documents unwritten: %w",
				w.shardID, len(batch)+len(w.queue), ctx.Err()))
			return
		}
	}
}

// write commits one batch.
func (w *Writer) write(ctx context.Context, batch []corpus.IndexedDocument, rows int) error {
	start := time.Now()
	err := w.store.WriteDocuments(ctx, batch)
	if err != nil {
		w.metrics.FrequencyBatches.WithLabelValues(w.shardID, "error").Inc()
		w.logger.Error("frequency batch failed",
			"documents", len(batch),
			"rows", rows,
			"first_doc_id", batch[0].Document.ID,
			"error", err,
		)
		return fmt.Errorf("shard %s: batch of %d documents starting at %d: %w",
			w.shardID, len(batch), batch[0].Document.ID,
			errors.Join(apperrors.ErrWriteBatchFailed, apperrors.ErrStoreUnavailable, err))
	}
	w.metrics.FrequencyBatches.WithLabelValues(w.shardID, "ok").Inc()
	w.metrics.FrequencyRows.WithLabelValues(w.shardID).Observe(float64(rows))
	w.metrics.DocumentsIngested.WithLabelValues(w.shardID, metrics.OutcomeLoaded).Add(float64(len(batch)))
	w.written.Add(int64(len(batch)))
	w.rows.Add(int64(rows))
	w.batches.Add(1)
	w.logger.Debug("frequency batch written",
		"documents", len(batch),
		"rows", rows,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Writer) fail(err error) {
	w.err = err
	close(w.failed)
}
