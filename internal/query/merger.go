// Package query answers the two index queries across shards. Top words of a
// document go to the single shard owning it; top documents for a word fan out
// to every shard in parallel and the per-shard top-k lists are merged into the
// global top-k. Shards own disjoint documents, so each shard's local top-k is
// enough to produce the exact global answer.
package query

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/tracing"
)

const (
	queryTopWords     = "top_words"
	queryTopDocuments = "top_documents"
)

// ShardQuerier is one shard's read side.
type ShardQuerier interface {
	TopWords(ctx context.Context, docID int64, limit int) ([]corpus.WordFrequency, error)
	TopDocuments(ctx context.Context, word string, limit int) ([]corpus.DocumentFrequency, error)
}

// Service is the query contract shared by Merger and CachedService.
type Service interface {
	TopWords(ctx context.Context, docID int64, limit int) (*TopWordsResult, error)
	TopDocuments(ctx context.Context, word string, limit int) (*TopDocumentsResult, error)
}

type TopWordsResult struct {
	DocumentID int64                  `json:"document_id"`
	ShardID    string                 `json:"shard_id"`
	Results    []corpus.WordFrequency `json:"results"`
}

// TopDocumentsResult is a merged answer. Partial is set when at least one
// shard timed out or failed and contributed nothing.
type TopDocumentsResult struct {
	Word           string                     `json:"word"`
	Results        []corpus.DocumentFrequency `json:"results"`
	Partial        bool                       `json:"partial"`
	ShardsQueried  int                        `json:"shards_queried"`
	TimedOutShards []string                   `json:"timed_out_shards,omitempty"`
	FailedShards   []string                   `json:"failed_shards,omitempty"`
}

// Merger executes queries against the shards of a registry.
type Merger struct {
	registry *shard.Registry
	shards   map[string]ShardQuerier
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewMerger requires a querier for every shard in registry. timeout bounds
// each shard sub-query; zero disables it.
func NewMerger(registry *shard.Registry, queriers map[string]ShardQuerier, timeout time.Duration, m *metrics.Metrics) (*Merger, error) {
	for _, s := range registry.All() {
		if _, ok := queriers[s.ID]; !ok {
			return nil, fmt.Errorf("%w: no querier for shard %q", apperrors.ErrConfiguration, s.ID)
		}
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Merger{
		registry: registry,
		shards:   queriers,
		timeout:  timeout,
		metrics:  m,
		logger:   logger.WithComponent("query-merger"),
	}, nil
}

// TopWords returns the limit most frequent words of one document. The owning
// shard is the only source, so its timeout fails the query.
func (m *Merger) TopWords(ctx context.Context, docID int64, limit int) (*TopWordsResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", apperrors.ErrInvalidInput, limit)
	}
	s, err := m.registry.ShardFor(docID)
	if err != nil {
		m.metrics.QueriesTotal.WithLabelValues(queryTopWords, "error").Inc()
		return nil, err
	}
	words, err := runShard(ctx, m, s.ID, queryTopWords, func(ctx context.Context) ([]corpus.WordFrequency, error) {
		return m.shards[s.ID].TopWords(ctx, docID, limit)
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, apperrors.ErrDocumentNotFound) {
			outcome = "not_found"
		}
		m.metrics.QueriesTotal.WithLabelValues(queryTopWords, outcome).Inc()
		return nil, err
	}
	sort.SliceStable(words, func(i, j int) bool {
		if words[i].Frequency != words[j].Frequency {
			return words[i].Frequency > words[j].Frequency
		}
		return words[i].Word < words[j].Word
	})
	if len(words) > limit {
		words = words[:limit]
	}
	m.metrics.QueriesTotal.WithLabelValues(queryTopWords, "ok").Inc()
	return &TopWordsResult{DocumentID: docID, ShardID: s.ID, Results: words}, nil
}

// TopDocuments returns the limit documents in which word is most frequent,
// across all shards. Shards that time out or fail are left out and flag the
// result as partial; the query fails only when no shard answered.
func (m *Merger) TopDocuments(ctx context.Context, word string, limit int) (*TopDocumentsResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", apperrors.ErrInvalidInput, limit)
	}
	word = tokenizer.Normalize(word)
	if word == "" {
		return nil, fmt.Errorf("%w: empty word", apperrors.ErrInvalidInput)
	}

	shards := m.registry.All()
	type shardResult struct {
		id   string
		docs []corpus.DocumentFrequency
		err  error
	}
	results := make([]shardResult, len(shards))
	var wg sync.WaitGroup
	for i, s := range shards {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			docs, err := runShard(ctx, m, id, queryTopDocuments, func(ctx context.Context) ([]corpus.DocumentFrequency, error) {
				return m.shards[id].TopDocuments(ctx, word, limit)
			})
			results[i] = shardResult{id: id, docs: docs, err: err}
		}(i, s.ID)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		m.metrics.QueriesTotal.WithLabelValues(queryTopDocuments, "error").Inc()
		return nil, fmt.Errorf("top documents for %q: %w", word, err)
	}

	out := &TopDocumentsResult{Word: word, ShardsQueried: len(shards)}
	partials := make([][]corpus.DocumentFrequency, 0, len(shards))
	for _, r := range results {
		switch {
		case r.err == nil:
			partials = append(partials, r.docs)
		case errors.Is(r.err, apperrors.ErrQueryTimeout):
			out.TimedOutShards = append(out.TimedOutShards, r.id)
		default:
			out.FailedShards = append(out.FailedShards, r.id)
			m.logger.Error("shard query failed", "shard_id", r.id, "query", queryTopDocuments, "error", r.err)
		}
	}
	if len(partials) == 0 {
		m.metrics.QueriesTotal.WithLabelValues(queryTopDocuments, "error").Inc()
		if len(out.FailedShards) == 0 {
			return nil, fmt.Errorf("top documents for %q: all %d shards timed out: %w", word, len(shards), apperrors.ErrQueryTimeout)
		}
		return nil, fmt.Errorf("top documents for %q: no shard answered: %w", word, apperrors.ErrStoreUnavailable)
	}

	out.Results = MergeDocuments(partials, limit)
	out.Partial = len(out.TimedOutShards)+len(out.FailedShards) > 0
	outcome := "ok"
	if out.Partial {
		outcome = "partial"
		m.logger.Warn("partial top documents result",
			"word", word,
			"timed_out", out.TimedOutShards,
			"failed", out.FailedShards,
		)
	}
	m.metrics.QueriesTotal.WithLabelValues(queryTopDocuments, outcome).Inc()
	return out, nil
}

// runShard runs one shard sub-query under the per-shard timeout, recording
// its latency and translating a deadline into ErrQueryTimeout.
func runShard[T any](ctx context.Context, m *Merger, shardID, kind string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracing.StartChildSpan(ctx, kind+":"+shardID)
	defer span.End()
	span.SetAttr("shard_id", shardID)

	start := time.Now()
	v, err := resilience.WithTimeout(ctx, m.timeout, "shard "+shardID, fn)
	m.metrics.ShardQueryLatency.WithLabelValues(shardID, kind).Observe(time.Since(start).Seconds())
	if resilience.IsTimeout(err) {
		m.metrics.ShardQueryTimeouts.WithLabelValues(shardID).Inc()
		span.SetAttr("timeout", true)
		m.logger.Warn("shard query timed out", "shard_id", shardID, "query", kind, "timeout", m.timeout)
		var zero T
		return zero, fmt.Errorf("shard %s: %w: %v", shardID, apperrors.ErrQueryTimeout, err)
	}
	return v, err
}

// MergeDocuments merges per-shard top lists into the global top limit,
// ordered by frequency descending then document id ascending.
func MergeDocuments(partials [][]corpus.DocumentFrequency, limit int) []corpus.DocumentFrequency {
	if limit <= 0 {
		return []corpus.DocumentFrequency{}
	}
	h := &docHeap{}
	heap.Init(h)
	for _, docs := range partials {
		for _, d := range docs {
			heap.Push(h, d)
			if h.Len() > limit {
				heap.Pop(h)
			}
		}
	}
	result := make([]corpus.DocumentFrequency, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(corpus.DocumentFrequency)
	}
	return result
}

// docHeap is a min-heap on rank: the root is the worst document kept so far.
type docHeap []corpus.DocumentFrequency

func (h docHeap) Len() int { return len(h) }

func (h docHeap) Less(i, j int) bool {
	if h[i].Frequency != h[j].Frequency {
		return h[i].Frequency < h[j].Frequency
	}
	return h[i].DocumentID > h[j].DocumentID
}

func (h docHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *docHeap) Push(x any) {
	*h = append(*h, x.(corpus.DocumentFrequency))
}

func (h *docHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
