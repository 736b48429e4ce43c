package vocab

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store. Ids are assigned from a counter the way an
// auto-increment column would; text is not unique.
type memStore struct {
	mu      sync.Mutex
	words   []Word
	nextID  int64
	buckets sync.Mutex
	queries int
}

func newMemStore() *memStore {
	return &memStore{nextID: 1}
}

func (s *memStore) WordsByHashKeys(_ context.Context, keys []int64) ([]Word, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	set := make(map[int64]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	var out []Word
	for _, w := range s.words {
		if _, ok := set[w.HashKey]; ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *memStore) InsertWords(_ context.Context, words []Word) ([]Word, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Word, len(words))
	for i, w := range words {
		w.ID = s.nextID
		s.nextID++
		s.words = append(s.words, w)
		out[i] = w
	}
	return out, nil
}

func (s *memStore) AllWords(context.Context) ([]Word, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Word(nil), s.words...), nil
}

func (s *memStore) LockWords(_ context.Context, _ []int64, fn func(Querier) error) error {
	s.buckets.Lock()
	defer s.buckets.Unlock()
	return fn(s)
}

func (s *memStore) rowsFor(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.words {
		if w.Text == text {
			n++
		}
	}
	return n
}

// collidingPair returns two distinct words sharing a hash key. With 10000
// buckets a collision exists among the first 10001 candidates.
func collidingPair(t *testing.T) (string, string) {
	t.Helper()
	seen := make(map[int64]string)
	for i := 0; i <= HashKeyWidth; i++ {
		w := fmt.Sprintf("w%d", i)
		k := HashKey(w)
		if prev, ok := seen[k]; ok {
			return prev, w
		}
		seen[k] = w
	}
	t.Fatal("no hash key collision found")
	return "", ""
}

func TestHashKey(t *testing.T) {
	for _, w := range []string{"fish", "whale", "ahab", "", "naïve"} {
		k := HashKey(w)
		assert.GreaterOrEqual(t, k, int64(0))
		assert.Less(t, k, int64(HashKeyWidth))
		assert.Equal(t, k, HashKey(w), "hash key must be deterministic for %q", w)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	modes := []Mode{ModeCached, ModeDirect}
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			store := newMemStore()
			r, err := New(mode, store)
			require.NoError(t, err)

			first, err := r.Resolve(ctx, []string{"fish", "man", "fish"})
			require.NoError(t, err)
			require.Len(t, first, 2)

			second, err := r.Resolve(ctx, []string{"fish", "boat", "man"})
			require.NoError(t, err)
			assert.Equal(t, first["fish"], second["fish"])
			assert.Equal(t, first["man"], second["man"])
			assert.NotEqual(t, second["fish"], second["boat"])

			for _, w := range []string{"fish", "man", "boat"} {
				assert.Equal(t, 1, store.rowsFor(w), "rows for %q", w)
			}
		})
	}
}

func TestResolveHashCollisions(t *testing.T) {
	a, b := collidingPair(t)
	require.Equal(t, HashKey(a), HashKey(b))

	for _, mode := range []Mode{ModeCached, ModeDirect} {
		t.Run(string(mode)+"/same batch", func(t *testing.T) {
			ctx := context.Background()
			r, err := New(mode, newMemStore())
			require.NoError(t, err)
			ids, err := r.Resolve(ctx, []string{a, b})
			require.NoError(t, err)
			assert.NotEqual(t, ids[a], ids[b])
		})
		t.Run(string(mode)+"/separate batches", func(t *testing.T) {
			ctx := context.Background()
			store := newMemStore()
			r, err := New(mode, store)
			require.NoError(t, err)
			idsA, err := r.Resolve(ctx, []string{a})
			require.NoError(t, err)

			// A fresh resolver must not mistake b for a in the shared bucket.
			fresh, err := New(mode, store)
			require.NoError(t, err)
			idsB, err := fresh.Resolve(ctx, []string{b})
			require.NoError(t, err)
			require.NotEqual(t, idsA[a], idsB[b])

			again, err := fresh.Resolve(ctx, []string{a, b})
			require.NoError(t, err)
			assert.Equal(t, idsA[a], again[a])
			assert.Equal(t, idsB[b], again[b])
			assert.Equal(t, 1, store.rowsFor(a))
			assert.Equal(t, 1, store.rowsFor(b))
		})
	}
}

func TestCachedResolverPreload(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	_, err := store.InsertWords(ctx, []Word{
		{Text: "call", HashKey: HashKey("call")},
		{Text: "me", HashKey: HashKey("me")},
	})
	require.NoError(t, err)

	var got []Stats
	r := NewCachedResolver(store, WithObserver(func(s Stats) { got = append(got, s) }))
	n, err := r.Preload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	queriesBefore := store.queries
	ids, err := r.Resolve(ctx, []string{"call", "me", "ishmael"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ids["call"])
	assert.Equal(t, int64(2), ids["me"])
	assert.Equal(t, int64(3), ids["ishmael"])
	assert.Equal(t, queriesBefore, store.queries, "preloaded cache must not query by hash key")
	require.Len(t, got, 1)
	assert.Equal(t, Stats{Hits: 2, Misses: 1, Created: 1}, got[0])
	assert.Equal(t, 3, r.Len())
}

// Two cached writers on one shard both conclude a new word is absent and both
// insert it. This is the reason cached mode requires a single writer.
func TestCachedResolverConcurrentWritersDuplicateWords(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	w1 := NewCachedResolver(store)
	w2 := NewCachedResolver(store)
	_, err := w1.Preload(ctx)
	require.NoError(t, err)
	_, err = w2.Preload(ctx)
	require.NoError(t, err)

	ids1, err := w1.Resolve(ctx, []string{"leviathan"})
	require.NoError(t, err)
	ids2, err := w2.Resolve(ctx, []string{"leviathan"})
	require.NoError(t, err)

	assert.NotEqual(t, ids1["leviathan"], ids2["leviathan"])
	assert.Equal(t, 2, store.rowsFor("leviathan"))
}

func TestDirectResolverConcurrentWritersNoDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	words := []string{"sea", "ship", "whale", "harpoon", "captain", "crew"}

	const writers = 8
	results := make([]map[string]int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := NewDirectResolver(store)
			// Rotate so writers submit overlapping words in different orders.
			batch := append(append([]string(nil), words[i%len(words):]...), words[:i%len(words)]...)
			ids, err := r.Resolve(ctx, batch)
			if err != nil {
				t.Errorf("writer %d: %v", i, err)
				return
			}
			results[i] = ids
		}(i)
	}
	wg.Wait()

	for _, w := range words {
		assert.Equal(t, 1, store.rowsFor(w), "rows for %q", w)
		for i := 1; i < writers; i++ {
			assert.Equal(t, results[0][w], results[i][w], "writer %d id for %q", i, w)
		}
	}
}

func TestNewUnknownMode(t *testing.T) {
	_, err := New("sometimes", newMemStore())
	assert.Error(t, err)
}
