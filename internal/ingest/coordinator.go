// Package ingest drives the per-shard ingestion pipeline: a Coordinator turns
// document records into word frequencies, resolves words to vocabulary ids,
// and hands the result to a Writer that persists batches on its own store
// connection. A Router splits one multi-shard stream into per-shard streams
// and BuildAll runs several shards side by side.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/vocab"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/resilience"
)

// State is the lifecycle phase of a shard's ingestion run.
type State int32

const (
	StateIdle State = iota
	StateLoadingVocab
	StateProcessing
	StateDraining
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLoadingVocab:
		return "LOADING_VOCAB"
	case StateProcessing:
		return "PROCESSING"
	case StateDraining:
		return "DRAINING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Tokenizer splits raw text into normalised word tokens.
type Tokenizer interface {
	Terms(text string) []string
}

// Store is the coordinator's own connection to the shard.
type Store interface {
	vocab.Store
	IngestedDocumentIDs(ctx context.Context) ([]int64, error)
}

// Report summarises one shard's ingestion run.
type Report struct {
	ShardID  string        `json:"shard_id"`
	State    string        `json:"state"`
	Loaded   int64         `json:"documents_loaded"`
	Skipped  int64         `json:"documents_skipped"`
	Rejected int64         `json:"documents_rejected"`
	Existing int64         `json:"documents_existing"`
	Words    int           `json:"vocabulary_size,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
	Err      error         `json:"-"`
}

// Failed reports whether the run ended in FAILED.
func (r Report) Failed() bool {
	return r.State == StateFailed.String()
}

// Options configures a Coordinator.
type Options struct {
	Mode   vocab.Mode
	Writer WriterConfig
	// BatchRetry re-submits a frequency batch whose write failed with a
	// store error. The zero value writes each batch once.
	BatchRetry resilience.RetryConfig
	// ProgressEvery logs a progress line every N documents handed to the
	// writer. Zero disables progress logging.
	ProgressEvery int
	Metrics       *metrics.Metrics
}

// Coordinator ingests one shard. It is single-use: Ingest runs once.
type Coordinator struct {
	shard   shard.Shard
	store   Store
	sink    DocumentWriter
	tok     Tokenizer
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger

	state  atomic.Int32
	writer *Writer

	skipped  int64
	rejected int64
	existing int64
	enqueued int64
}

// NewCoordinator wires a shard's coordinator. store and sink must be distinct
// connections: sink is handed to the frequency writer.
func NewCoordinator(s shard.Shard, store Store, sink DocumentWriter, tok Tokenizer, opts Options) *Coordinator {
	if opts.Mode == "" {
		opts.Mode = vocab.ModeCached
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.BatchRetry.MaxAttempts <= 0 {
		opts.BatchRetry.MaxAttempts = 1
	}
	return &Coordinator{
		shard:   s,
		store:   store,
		sink:    sink,
		tok:     tok,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  logger.WithShard("ingest-coordinator", s.ID),
	}
}

// State returns the current lifecycle phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) transition(to State) {
	from := State(c.state.Swap(int32(to)))
	c.metrics.ShardIngestState.WithLabelValues(c.shard.ID).Set(float64(to))
	c.logger.Info("ingest state changed", "from", from.String(), "to", to.String())
}

// Ingest consumes records until the stream is closed, ctx is done, or a store
// failure ends the run. Per-document problems are counted and never abort the
// shard. The returned report is final.
func (c *Coordinator) Ingest(ctx context.Context, records <-chan corpus.Record) Report {
	start := time.Now()
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateLoadingVocab)) {
		return Report{
			ShardID: c.shard.ID,
			State:   c.State().String(),
			Err:     fmt.Errorf("shard %s: ingestion already ran", c.shard.ID),
		}
	}
	c.metrics.ShardIngestState.WithLabelValues(c.shard.ID).Set(float64(StateLoadingVocab))
	c.logger.Info("ingest state changed", "from", StateIdle.String(), "to", StateLoadingVocab.String(), "vocabulary", string(c.opts.Mode))

	report, err := c.run(ctx, records)
	report.ShardID = c.shard.ID
	report.Duration = time.Since(start)
	if err != nil {
		c.transition(StateFailed)
		report.Err = err
		report.Error = err.Error()
		c.logger.Error("shard ingestion failed",
			"code", apperrors.Code(err),
			"loaded", report.Loaded,
			"error", err,
		)
	} else {
		c.transition(StateDone)
		c.logger.Info("shard ingestion complete",
			"loaded", report.Loaded,
			"skipped", report.Skipped,
			"rejected", report.Rejected,
			"existing", report.Existing,
			"duration_ms", report.Duration.Milliseconds(),
		)
	}
	report.State = c.State().String()
	return report
}

func (c *Coordinator) run(ctx context.Context, records <-chan corpus.Record) (Report, error) {
	ingested, err := c.loadIngested(ctx)
	if err != nil {
		return c.report(), err
	}
	resolver, words, err := c.newResolver(ctx)
	if err != nil {
		return c.report(), err
	}

	c.transition(StateProcessing)
	writerCtx, cancelWriter := context.WithCancel(ctx)
	defer cancelWriter()
	sink := retrySink{next: c.sink, name: "frequency-batch:" + c.shard.ID, policy: c.opts.BatchRetry}
	c.writer = NewWriter(c.shard.ID, sink, c.opts.Writer, c.metrics)
	c.writer.Start(writerCtx)

	procErr := c.process(ctx, records, ingested, resolver)

	c.transition(StateDraining)
	closeErr := c.writer.Close()
	report := c.report()
	report.Words = words
	if procErr != nil || closeErr != nil {
		return report, errors.Join(procErr, closeErr)
	}
	return report, nil
}

// retrySink re-submits a whole batch under the coordinator's policy. Only
// store failures are retried.
type retrySink struct {
	next   DocumentWriter
	name   string
	policy resilience.RetryConfig
}

func (s retrySink) WriteDocuments(ctx context.Context, docs []corpus.IndexedDocument) error {
	policy := s.policy
	policy.Retryable = func(err error) bool {
		return ctx.Err() == nil && errors.Is(err, apperrors.ErrStoreUnavailable)
	}
	return resilience.Retry(ctx, s.name, policy, func() error {
		return s.next.WriteDocuments(ctx, docs)
	})
}

func (c *Coordinator) loadIngested(ctx context.Context) (*roaring64.Bitmap, error) {
	ids, err := c.store.IngestedDocumentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("shard %s: loading ingested documents: %w", c.shard.ID, err)
	}
	bm := roaring64.New()
	for _, id := range ids {
		if id >= 0 {
			bm.Add(uint64(id))
		}
	}
	if n := bm.GetCardinality(); n > 0 {
		c.logger.Info("resuming shard", "already_ingested", n)
	}
	return bm, nil
}

// newResolver picks the vocabulary variant for the whole run. The cached
// variant preloads the vocabulary and assumes this coordinator is the shard's
// only writer.
func (c *Coordinator) newResolver(ctx context.Context) (vocab.Resolver, int, error) {
	observe := vocab.WithObserver(func(s vocab.Stats) {
		c.metrics.VocabularyLookups.WithLabelValues(c.shard.ID, "hit").Add(float64(s.Hits))
		c.metrics.VocabularyLookups.WithLabelValues(c.shard.ID, "miss").Add(float64(s.Misses))
		c.metrics.VocabularyLookups.WithLabelValues(c.shard.ID, "created").Add(float64(s.Created))
	})
	switch c.opts.Mode {
	case vocab.ModeCached:
		r := vocab.NewCachedResolver(c.store, observe)
		n, err := r.Preload(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("shard %s: %w", c.shard.ID, err)
		}
		c.logger.Info("vocabulary preloaded", "words", n)
		return r, n, nil
	default:
		r, err := vocab.New(c.opts.Mode, c.store, observe)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: shard %s: %v", apperrors.ErrConfiguration, c.shard.ID, err)
		}
		return r, 0, nil
	}
}

func (c *Coordinator) process(ctx context.Context, records <-chan corpus.Record, ingested *roaring64.Bitmap, resolver vocab.Resolver) error {
	for {
		var (
			rec corpus.Record
			ok  bool
		)
		select {
		case rec, ok = <-records:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("shard %s: ingestion cancelled: %w", c.shard.ID, ctx.Err())
		}

		if !c.shard.Owns(rec.ID) {
			c.rejected++
			c.metrics.DocumentsIngested.WithLabelValues(c.shard.ID, metrics.OutcomeRejected).Inc()
			c.logger.Warn("document outside shard ranges", "doc_id", rec.ID, "code", apperrors.Code(apperrors.ErrOutOfRange))
			continue
		}
		if ingested.Contains(uint64(rec.ID)) {
			c.existing++
			c.metrics.DocumentsIngested.WithLabelValues(c.shard.ID, metrics.OutcomeExisting).Inc()
			c.logger.Debug("document already ingested", "doc_id", rec.ID)
			continue
		}
		if rec.Skipped() {
			c.skipped++
			c.metrics.DocumentsIngested.WithLabelValues(c.shard.ID, metrics.OutcomeSkipped).Inc()
			c.logger.Info("document skipped", "doc_id", rec.ID, "reason", rec.SkipReason)
			continue
		}

		doc, err := c.index(ctx, rec, resolver)
		if err != nil {
			return err
		}
		if err := c.writer.Enqueue(ctx, doc); err != nil {
			return fmt.Errorf("shard %s: document %d: %w", c.shard.ID, rec.ID, err)
		}
		ingested.Add(uint64(rec.ID))
		c.enqueued++
		if c.opts.ProgressEvery > 0 && c.enqueued%int64(c.opts.ProgressEvery) == 0 {
			c.logger.Info("ingest progress",
				"enqueued", c.enqueued,
				"written", c.writer.Written(),
				"skipped", c.skipped,
				"last_doc_id", rec.ID,
			)
		}
	}
}

// index reduces a record's text to counts and resolves every distinct word in
// one batch. Frequencies are ordered by word id.
func (c *Coordinator) index(ctx context.Context, rec corpus.Record, resolver vocab.Resolver) (corpus.IndexedDocument, error) {
	counts := make(map[string]int)
	for _, t := range c.tok.Terms(rec.Text) {
		counts[t]++
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Strings(words)

	ids, err := resolver.Resolve(ctx, words)
	if err != nil {
		return corpus.IndexedDocument{}, fmt.Errorf("shard %s: document %d: resolving %d words: %w", c.shard.ID, rec.ID, len(words), err)
	}
	freqs := make([]corpus.Frequency, 0, len(words))
	for _, w := range words {
		id, ok := ids[w]
		if !ok {
			return corpus.IndexedDocument{}, fmt.Errorf("shard %s: document %d: word %q unresolved: %w", c.shard.ID, rec.ID, w, apperrors.ErrInternal)
		}
		freqs = append(freqs, corpus.Frequency{WordID: id, Count: counts[w]})
	}
	sort.Slice(freqs, func(i, j int) bool { return freqs[i].WordID < freqs[j].WordID })
	return corpus.IndexedDocument{Document: rec.Document, Frequencies: freqs}, nil
}

func (c *Coordinator) report() Report {
	var loaded int64
	if c.writer != nil {
		loaded = c.writer.Written()
	}
	return Report{
		ShardID:  c.shard.ID,
		Loaded:   loaded,
		Skipped:  c.skipped,
		Rejected: c.rejected,
		Existing: c.existing,
	}
}
