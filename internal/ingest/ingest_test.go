package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/store"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/vocab"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/database"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/resilience"
)

var testShard = shard.Shard{ID: "s1", Ranges: []shard.Range{{Low: 1, High: 100}}}

// shardFile opens two connections to one SQLite shard: one for the
// coordinator, one for the frequency writer.
func shardFile(t *testing.T, path string) (*store.Store, *store.Store) {
	t.Helper()
	ctx := context.Background()
	dsn := config.SQLiteDSN(path, 0)
	coord, err := store.Open(ctx, "s1", config.DialectSQLite, dsn, database.SingleConn)
	require.NoError(t, err)
	writer, err := store.Open(ctx, "s1", config.DialectSQLite, dsn, database.SingleConn)
	require.NoError(t, err)
	t.Cleanup(func() {
		coord.Close()
		writer.Close()
	})
	return coord, writer
}

func records(recs ...corpus.Record) <-chan corpus.Record {
	ch := make(chan corpus.Record, len(recs))
	for _, r := range recs {
		ch <- r
	}
	close(ch)
	return ch
}

func tenDocuments(skip int64) []corpus.Record {
	var recs []corpus.Record
	for id := int64(1); id <= 10; id++ {
		r := corpus.Record{
			Document: corpus.Document{ID: id, Title: fmt.Sprintf("Book %d", id), Authors: []string{"Anon"}},
			Text:     fmt.Sprintf("whale sea ship whale captain%c", rune('a'+id)),
		}
		if id == skip {
			r.Text = ""
			r.SkipReason = "language not supported"
		}
		recs = append(recs, r)
	}
	return recs
}

func smallBatches() WriterConfig {
	return WriterConfig{QueueSize: 4, BatchDocuments: 3, FlushInterval: 50 * time.Millisecond}
}

func TestIngestSkippedDocumentDoesNotAbortShard(t *testing.T) {
	for _, mode := range []vocab.Mode{vocab.ModeCached, vocab.ModeDirect} {
		t.Run(string(mode), func(t *testing.T) {
			coordStore, writerStore := shardFile(t, filepath.Join(t.TempDir(), "s1.db"))
			c := NewCoordinator(testShard, coordStore, writerStore, tokenizer.New(), Options{
				Mode:   mode,
				Writer: smallBatches(),
			})

			report := c.Ingest(context.Background(), records(tenDocuments(4)...))
			require.NoError(t, report.Err)
			assert.Equal(t, StateDone.String(), report.State)
			assert.Equal(t, int64(9), report.Loaded)
			assert.Equal(t, int64(1), report.Skipped)
			assert.Equal(t, StateDone, c.State())

			ids, err := coordStore.IngestedDocumentIDs(context.Background())
			require.NoError(t, err)
			assert.ElementsMatch(t, []int64{1, 2, 3, 5, 6, 7, 8, 9, 10}, ids)

			top, err := coordStore.TopWords(context.Background(), 10, 1)
			require.NoError(t, err)
			assert.Equal(t, []corpus.WordFrequency{{Frequency: 2, Word: "whale"}}, top)

			words, err := coordStore.AllWords(context.Background())
			require.NoError(t, err)
			seen := map[string]int{}
			for _, w := range words {
				seen[w.Text]++
			}
			assert.Equal(t, 1, seen["whale"], "shared words must not be duplicated")
		})
	}
}

func TestIngestRejectsOutOfRangeAndDuplicates(t *testing.T) {
	coordStore, writerStore := shardFile(t, filepath.Join(t.TempDir(), "s1.db"))
	c := NewCoordinator(testShard, coordStore, writerStore, tokenizer.New(), Options{Writer: smallBatches()})

	report := c.Ingest(context.Background(), records(
		corpus.Record{Document: corpus.Document{ID: 5, Title: "In"}, Text: "harpoon"},
		corpus.Record{Document: corpus.Document{ID: 500, Title: "Out"}, Text: "harpoon"},
		corpus.Record{Document: corpus.Document{ID: 5, Title: "Again"}, Text: "harpoon"},
	))
	require.NoError(t, report.Err)
	assert.Equal(t, int64(1), report.Loaded)
	assert.Equal(t, int64(1), report.Rejected)
	assert.Equal(t, int64(1), report.Existing)
}

func TestIngestResumesAfterPreviousRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.db")
	coordStore, writerStore := shardFile(t, path)
	first := NewCoordinator(testShard, coordStore, writerStore, tokenizer.New(), Options{Writer: smallBatches()})
	require.NoError(t, first.Ingest(context.Background(), records(tenDocuments(0)[:5]...)).Err)

	second := NewCoordinator(testShard, coordStore, writerStore, tokenizer.New(), Options{Writer: smallBatches()})
	report := second.Ingest(context.Background(), records(tenDocuments(0)...))
	require.NoError(t, report.Err)
	assert.Equal(t, int64(5), report.Existing)
	assert.Equal(t, int64(5), report.Loaded)
	assert.Greater(t, report.Words, 0, "cached mode reports the preloaded vocabulary")
}

func TestIngestRunsOnce(t *testing.T) {
	coordStore, writerStore := shardFile(t, filepath.Join(t.TempDir(), "s1.db"))
	c := NewCoordinator(testShard, coordStore, writerStore, tokenizer.New(), Options{})
	require.NoError(t, c.Ingest(context.Background(), records()).Err)
	assert.Error(t, c.Ingest(context.Background(), records()).Err)
}

// failingSink fails the first failures calls with a store error.
type failingSink struct {
	mu       sync.Mutex
	failures int
	calls    int
	batches  [][]int64
}

func (s *failingSink) WriteDocuments(_ context.Context, docs []corpus.IndexedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return apperrors.StoreUnavailable("inserting batch", errors.New("connection reset"))
	}
	ids := make([]int64, len(docs))
	for i, d := range docs {
		ids[i] = d.Document.ID
	}
	s.batches = append(s.batches, ids)
	return nil
}

func (s *failingSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestBatchFailureAfterRetryFailsShard(t *testing.T) {
	coordStore, _ := shardFile(t, filepath.Join(t.TempDir(), "s1.db"))
	sink := &failingSink{failures: 100}
	retry := resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}
	c := NewCoordinator(testShard, coordStore, sink, tokenizer.New(), Options{Writer: smallBatches(), BatchRetry: retry})

	report := c.Ingest(context.Background(), records(tenDocuments(0)...))
	require.Error(t, report.Err)
	assert.True(t, report.Failed())
	assert.Equal(t, StateFailed, c.State())
	assert.ErrorIs(t, report.Err, apperrors.ErrWriteBatchFailed)
	assert.ErrorIs(t, report.Err, apperrors.ErrStoreUnavailable)
	assert.Equal(t, int64(0), report.Loaded)
	assert.Equal(t, 2, sink.callCount(), "the failed batch is submitted exactly twice")
}

func TestBatchRetrySucceeds(t *testing.T) {
	coordStore, _ := shardFile(t, filepath.Join(t.TempDir(), "s1.db"))
	sink := &failingSink{failures: 1}
	retry := resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}
	c := NewCoordinator(testShard, coordStore, sink, tokenizer.New(), Options{Writer: smallBatches(), BatchRetry: retry})

	report := c.Ingest(context.Background(), records(tenDocuments(0)...))
	require.NoError(t, report.Err)
	assert.Equal(t, int64(10), report.Loaded)
}

func TestWriterBatchesByDocumentCount(t *testing.T) {
	sink := &failingSink{}
	w := NewWriter("s1", sink, WriterConfig{QueueSize: 10, BatchDocuments: 3, FlushInterval: time.Hour}, nil)
	w.Start(context.Background())
	for id := int64(1); id <= 7; id++ {
		require.NoError(t, w.Enqueue(context.Background(), corpus.IndexedDocument{Document: corpus.Document{ID: id}}))
	}
	require.NoError(t, w.Close())
	assert.Equal(t, [][]int64{{1, 2, 3}, {4, 5, 6}, {7}}, sink.batches)
	assert.Equal(t, int64(7), w.Written())
}

func TestWriterBatchesByRowCount(t *testing.T) {
	sink := &failingSink{}
	w := NewWriter("s1", sink, WriterConfig{QueueSize: 10, BatchRows: 4, BatchDocuments: 100, FlushInterval: time.Hour}, nil)
	w.Start(context.Background())
	freqs := []corpus.Frequency{{WordID: 1, Count: 1}, {WordID: 2, Count: 1}}
	for id := int64(1); id <= 5; id++ {
		require.NoError(t, w.Enqueue(context.Background(), corpus.IndexedDocument{Document: corpus.Document{ID: id}, Frequencies: freqs}))
	}
	require.NoError(t, w.Close())
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, sink.batches)
	assert.Equal(t, int64(10), w.Rows())
}

func TestWriterFlushesOnInterval(t *testing.T) {
	sink := &failingSink{}
	w := NewWriter("s1", sink, WriterConfig{BatchDocuments: 100, FlushInterval: 10 * time.Millisecond}, nil)
	w.Start(context.Background())
	require.NoError(t, w.Enqueue(context.Background(), corpus.IndexedDocument{Document: corpus.Document{ID: 1}}))
	assert.Eventually(t, func() bool { return w.Written() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Close())
}

// blockingSink holds every batch until release is closed.
type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) WriteDocuments(ctx context.Context, _ []corpus.IndexedDocument) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestWriterAppliesBackpressure(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	w := NewWriter("s1", sink, WriterConfig{QueueSize: 1, BatchDocuments: 1, FlushInterval: time.Hour}, nil)
	w.Start(context.Background())

	bg := context.Background()
	require.NoError(t, w.Enqueue(bg, corpus.IndexedDocument{Document: corpus.Document{ID: 1}}))
	// Wait for the writer to pick up the first document and block in the sink.
	require.Eventually(t, func() bool { return len(w.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, w.Enqueue(bg, corpus.IndexedDocument{Document: corpus.Document{ID: 2}}))

	ctx, cancel := context.WithTimeout(bg, 30*time.Millisecond)
	defer cancel()
	err := w.Enqueue(ctx, corpus.IndexedDocument{Document: corpus.Document{ID: 3}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(sink.release)
	require.NoError(t, w.Close())
	assert.Equal(t, int64(2), w.Written())
}

func TestEnqueueAfterWriterFailure(t *testing.T) {
	sink := &failingSink{failures: 100}
	w := NewWriter("s1", sink, WriterConfig{BatchDocuments: 1}, nil)
	w.Start(context.Background())
	require.NoError(t, w.Enqueue(context.Background(), corpus.IndexedDocument{Document: corpus.Document{ID: 1}}))
	require.Eventually(t, func() bool { return w.Err() != nil }, time.Second, time.Millisecond)

	err := w.Enqueue(context.Background(), corpus.IndexedDocument{Document: corpus.Document{ID: 2}})
	assert.ErrorIs(t, err, apperrors.ErrWriteBatchFailed)
	assert.ErrorIs(t, w.Close(), apperrors.ErrWriteBatchFailed)
}

func TestWriterSubmitsEachBatchOnce(t *testing.T) {
	sink := &failingSink{failures: 1}
	w := NewWriter("s1", sink, WriterConfig{BatchDocuments: 1}, nil)
	w.Start(context.Background())
	require.NoError(t, w.Enqueue(context.Background(), corpus.IndexedDocument{Document: corpus.Document{ID: 1}}))
	assert.ErrorIs(t, w.Close(), apperrors.ErrWriteBatchFailed)
	assert.Equal(t, 1, sink.callCount())
}

func TestEnqueueAfterClose(t *testing.T) {
	tests := []struct {
		name  string
		start bool
	}{
		{"started", true},
		{"never started", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter("s1", &failingSink{}, WriterConfig{BatchDocuments: 1}, nil)
			if tt.start {
				w.Start(context.Background())
			}
			require.NoError(t, w.Close())
			require.NotPanics(t, func() {
				err := w.Enqueue(context.Background(), corpus.IndexedDocument{Document: corpus.Document{ID: 1}})
				assert.ErrorIs(t, err, apperrors.ErrWriterClosed)
			})
			assert.NoError(t, w.Close())
		})
	}
}

func TestIngestCancellation(t *testing.T) {
	coordStore, writerStore := shardFile(t, filepath.Join(t.TempDir(), "s1.db"))
	c := NewCoordinator(testShard, coordStore, writerStore, tokenizer.New(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	open := make(chan corpus.Record)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	report := c.Ingest(ctx, open)
	assert.True(t, report.Failed())
	assert.ErrorIs(t, report.Err, context.Canceled)
}

func TestBuildAllIsolatesShardFailures(t *testing.T) {
	dir := t.TempDir()
	goodStore, goodWriter := shardFile(t, filepath.Join(dir, "good.db"))
	badStore, _ := shardFile(t, filepath.Join(dir, "bad.db"))

	good := shard.Shard{ID: "good", Ranges: []shard.Range{{Low: 1, High: 50}}}
	bad := shard.Shard{ID: "bad", Ranges: []shard.Range{{Low: 50, High: 100}}}
	badRecs := make([]corpus.Record, 0, 5)
	for id := int64(50); id < 55; id++ {
		badRecs = append(badRecs, corpus.Record{Document: corpus.Document{ID: id, Title: "B"}, Text: "ocean"})
	}

	sessions := []Session{
		{
			Coordinator: NewCoordinator(good, goodStore, goodWriter, tokenizer.New(), Options{Writer: smallBatches()}),
			Records:     func(context.Context) <-chan corpus.Record { return records(tenDocuments(0)...) },
		},
		{
			Coordinator: NewCoordinator(bad, badStore, &failingSink{failures: 100}, tokenizer.New(), Options{Writer: smallBatches()}),
			Records:     func(context.Context) <-chan corpus.Record { return records(badRecs...) },
		},
	}
	reports := BuildAll(context.Background(), sessions, 1)
	require.Len(t, reports, 2)
	assert.Equal(t, "good", reports[0].ShardID)
	assert.Equal(t, StateDone.String(), reports[0].State)
	assert.Equal(t, int64(10), reports[0].Loaded)
	assert.Equal(t, "bad", reports[1].ShardID)
	assert.True(t, reports[1].Failed())
}

func TestRouterSplitsStream(t *testing.T) {
	reg, err := shard.NewRegistry([]shard.Shard{
		{ID: "a", Ranges: []shard.Range{{Low: 0, High: 10}}},
		{ID: "b", Ranges: []shard.Range{{Low: 10, High: 20}}},
		{ID: "c", Ranges: []shard.Range{{Low: 20, High: 30}}},
	})
	require.NoError(t, err)

	in := records(
		corpus.Record{Document: corpus.Document{ID: 1}},
		corpus.Record{Document: corpus.Document{ID: 15}},
		corpus.Record{Document: corpus.Document{ID: 99}},
		corpus.Record{Document: corpus.Document{ID: 2}},
		corpus.Record{Document: corpus.Document{ID: 25}},
	)
	rt := NewRouter(reg, 0).Route(context.Background(), in, "a", "b")
	assert.Nil(t, rt.Stream("c"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string][]int64{}
	)
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for rec := range rt.Stream(id) {
				mu.Lock()
				seen[id] = append(seen[id], rec.ID)
				mu.Unlock()
			}
		}(id)
	}
	report := rt.Wait()
	wg.Wait()

	assert.Equal(t, []int64{1, 2}, seen["a"])
	assert.Equal(t, []int64{15}, seen["b"])
	assert.Equal(t, int64(1), report.Rejected)
	assert.Equal(t, int64(1), report.Unserved)
	assert.Equal(t, map[string]int64{"a": 2, "b": 1}, report.Routed)
}
