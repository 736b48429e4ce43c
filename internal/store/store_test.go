package store

import (
	"context"
	"os"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/vocab"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/database"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	dsn := config.SQLiteDSN(filepath.Join(t.TempDir(), "shard.db"), 0)
	s, err := Open(context.Background(), "s1", config.DialectSQLite, dsn, database.SingleConn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// index resolves counts through a direct resolver and writes the document.
func index(t *testing.T, s *Store, doc corpus.Document, counts map[string]int) {
	t.Helper()
	ctx := context.Background()
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Strings(words)
	ids, err := vocab.NewDirectResolver(s).Resolve(ctx, words)
	require.NoError(t, err)
	freqs := make([]corpus.Frequency, 0, len(words))
	for _, w := range words {
		freqs = append(freqs, corpus.Frequency{WordID: ids[w], Count: counts[w]})
	}
	require.NoError(t, s.WriteDocuments(ctx, []corpus.IndexedDocument{{Document: doc, Frequencies: freqs}}))
}

func TestTopWordsOrdersByFrequencyThenWord(t *testing.T) {
	s := openSQLite(t)
	index(t, s, corpus.Document{ID: 1, Title: "Sample"}, map[string]int{"two": 3, "one": 3, "man": 1})

	got, err := s.TopWords(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []corpus.WordFrequency{{Frequency: 3, Word: "one"}, {Frequency: 3, Word: "two"}}, got)

	all, err := s.TopWords(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, corpus.WordFrequency{Frequency: 1, Word: "man"}, all[2])
}

func TestTopQueriesAcceptHugeLimit(t *testing.T) {
	s := openSQLite(t)
	index(t, s, corpus.Document{ID: 1, Title: "Sample"}, map[string]int{"two": 3, "one": 3, "man": 1})
	ctx := context.Background()

	words, err := s.TopWords(ctx, 1, 1<<40)
	require.NoError(t, err)
	assert.Len(t, words, 3)

	docs, err := s.TopDocuments(ctx, "one", 1<<40)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestTopWordsUnknownDocument(t *testing.T) {
	s := openSQLite(t)
	_, err := s.TopWords(context.Background(), 42, 5)
	assert.ErrorIs(t, err, apperrors.ErrDocumentNotFound)
}

func TestTopWordsDocumentWithoutWords(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.WriteDocuments(context.Background(), []corpus.IndexedDocument{
		{Document: corpus.Document{ID: 7, Title: "Blank"}},
	}))
	got, err := s.TopWords(context.Background(), 7, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTopDocuments(t *testing.T) {
	s := openSQLite(t)
	index(t, s, corpus.Document{ID: 1, Title: "One", Authors: []string{"A. Author"}}, map[string]int{"fish": 5, "sea": 1})
	index(t, s, corpus.Document{ID: 2, Title: "Two"}, map[string]int{"fish": 3})
	index(t, s, corpus.Document{ID: 3, Title: "Three", Authors: []string{"First", "Second"}}, map[string]int{"fish": 9})
	index(t, s, corpus.Document{ID: 4, Title: "Four"}, map[string]int{"sea": 2})

	ctx := context.Background()
	got, err := s.TopDocuments(ctx, "fish", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, corpus.DocumentFrequency{Frequency: 9, DocumentID: 3, Title: "Three", Authors: []string{"First", "Second"}}, got[0])
	assert.Equal(t, corpus.DocumentFrequency{Frequency: 5, DocumentID: 1, Title: "One", Authors: []string{"A. Author"}}, got[1])

	none, err := s.TopDocuments(ctx, "nowhere", 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	noAuthors, err := s.TopDocuments(ctx, "sea", 5)
	require.NoError(t, err)
	require.Len(t, noAuthors, 2)
	assert.Equal(t, int64(4), noAuthors[0].DocumentID)
	assert.Equal(t, []string{}, noAuthors[0].Authors)
}

func TestTopDocumentsTiesBreakByDocumentID(t *testing.T) {
	s := openSQLite(t)
	for _, id := range []int64{9, 3, 6} {
		index(t, s, corpus.Document{ID: id, Title: "T"}, map[string]int{"tie": 4})
	}
	got, err := s.TopDocuments(context.Background(), "tie", 3)
	require.NoError(t, err)
	ids := make([]int64, len(got))
	for i, d := range got {
		ids[i] = d.DocumentID
	}
	assert.Equal(t, []int64{3, 6, 9}, ids)
}

func TestHashCollisionsResolveByExactText(t *testing.T) {
	s := openSQLite(t)
	seen := map[int64]string{}
	var a, b string
	for i := 0; a == ""; i++ {
		w := "c" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + string(rune('a'+(i/676)%26))
		k := vocab.HashKey(w)
		if prev, ok := seen[k]; ok && prev != w {
			a, b = prev, w
		}
		seen[k] = w
	}
	index(t, s, corpus.Document{ID: 1, Title: "A"}, map[string]int{a: 2})
	index(t, s, corpus.Document{ID: 2, Title: "B"}, map[string]int{b: 5})

	gotA, err := s.TopDocuments(context.Background(), a, 5)
	require.NoError(t, err)
	require.Len(t, gotA, 1)
	assert.Equal(t, int64(1), gotA[0].DocumentID)

	gotB, err := s.TopDocuments(context.Background(), b, 5)
	require.NoError(t, err)
	require.Len(t, gotB, 1)
	assert.Equal(t, int64(2), gotB[0].DocumentID)
}

func TestWriteDocumentsIsAtomic(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	index(t, s, corpus.Document{ID: 1, Title: "First"}, map[string]int{"word": 1})

	ids, err := vocab.NewDirectResolver(s).Resolve(ctx, []string{"word"})
	require.NoError(t, err)
	batch := []corpus.IndexedDocument{
		{Document: corpus.Document{ID: 2, Title: "Second"}, Frequencies: []corpus.Frequency{{WordID: ids["word"], Count: 1}}},
		{Document: corpus.Document{ID: 1, Title: "Duplicate"}},
	}
	require.Error(t, s.WriteDocuments(ctx, batch))

	got, err := s.IngestedDocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got)
}

func TestWriteDocumentsChunksLargeFrequencyLists(t *testing.T) {
	s := openSQLite(t)
	counts := make(map[string]int, frequencyChunk+10)
	for i := 0; i < frequencyChunk+10; i++ {
		counts["w"+string(rune('a'+i%26))+string(rune('a'+(i/26)%26))+string(rune('a'+(i/676)%26))] = i%7 + 1
	}
	index(t, s, corpus.Document{ID: 5, Title: "Long"}, counts)

	got, err := s.TopWords(context.Background(), 5, len(counts)+1)
	require.NoError(t, err)
	assert.Len(t, got, len(counts))
}

func TestDropClearsShard(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	index(t, s, corpus.Document{ID: 1, Title: "Gone"}, map[string]int{"ghost": 1})

	require.NoError(t, s.Drop(ctx))

	ids, err := s.IngestedDocumentIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	words, err := s.AllWords(ctx)
	require.NoError(t, err)
	assert.Empty(t, words)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.db")
	dsn := config.SQLiteDSN(path, 0)
	ctx := context.Background()

	s, err := Open(ctx, "s1", config.DialectSQLite, dsn, database.SingleConn)
	require.NoError(t, err)
	index(t, s, corpus.Document{ID: 11, Title: "Kept"}, map[string]int{"kept": 2})
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, "s1", config.DialectSQLite, dsn, database.SingleConn)
	require.NoError(t, err)
	defer reopened.Close()
	ids, err := reopened.IngestedDocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, ids)
}

// resolveConcurrently runs one direct resolver per store, all on the same
// shard, over overlapping word sets and checks that every distinct word ends
// up as exactly one row with one id.
func resolveConcurrently(t *testing.T, stores []*Store) {
	t.Helper()
	ctx := context.Background()
	words := make([]string, 26)
	for i := range words {
		words[i] = "w" + string(rune('a'+i))
	}

	const rounds = 5
	results := make([][]map[string]int64, len(stores))
	var wg sync.WaitGroup
	for i, st := range stores {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := vocab.NewDirectResolver(st)
			for round := 0; round < rounds; round++ {
				offset := (i*7 + round*3) % len(words)
				batch := append(window(words, offset, 13), "shared")
				ids, err := r.Resolve(ctx, batch)
				if !assert.NoError(t, err) {
					return
				}
				results[i] = append(results[i], ids)
			}
		}()
	}
	wg.Wait()

	all, err := stores[0].AllWords(ctx)
	require.NoError(t, err)
	rows := make(map[string]int64, len(all))
	for _, w := range all {
		_, dup := rows[w.Text]
		require.False(t, dup, "word %q stored twice", w.Text)
		rows[w.Text] = w.ID
	}
	for _, perStore := range results {
		for _, ids := range perStore {
			for text, id := range ids {
				assert.Equal(t, rows[text], id, "id for %q", text)
			}
		}
	}
	assert.Contains(t, rows, "shared")
}

// window returns n words starting at offset, wrapping around.
func window(words []string, offset, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, words[(offset+i)%len(words)])
	}
	return out
}

func TestDirectResolversShareSQLiteShardWithoutDuplicates(t *testing.T) {
	dsn := config.SQLiteDSN(filepath.Join(t.TempDir(), "shard.db"), 0)
	stores := make([]*Store, 4)
	for i := range stores {
		s, err := Open(context.Background(), "s1", config.DialectSQLite, dsn, database.SingleConn)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		stores[i] = s
	}
	resolveConcurrently(t, stores)
}

func TestDirectResolversSharePostgresShardWithoutDuplicates(t *testing.T) {
	dsn := os.Getenv("WI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WI_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	stores := make([]*Store, 4)
	for i := range stores {
		s, err := Open(ctx, fmt.Sprintf("pg-%d", i), config.DialectPostgres, dsn, database.Pool{MaxOpenConns: 2})
		if err != nil {
			t.Skipf("postgres not available: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		stores[i] = s
	}
	require.NoError(t, stores[0].Drop(ctx))
	resolveConcurrently(t, stores)
}

// TestPostgresStore runs the same round trip against PostgreSQL when
// WI_TEST_POSTGRES_DSN points at a scratch database.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("WI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WI_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, "pg", config.DialectPostgres, dsn, database.Pool{MaxOpenConns: 4})
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	defer s.Close()
	require.NoError(t, s.Drop(ctx))

	index(t, s, corpus.Document{ID: 1, Title: "Sample", Authors: []string{"X"}}, map[string]int{"two": 3, "one": 3, "man": 1})
	got, err := s.TopWords(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []corpus.WordFrequency{{Frequency: 3, Word: "one"}, {Frequency: 3, Word: "two"}}, got)

	docs, err := s.TopDocuments(ctx, "one", 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, []string{"X"}, docs[0].Authors)
}
