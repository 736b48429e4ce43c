package vocab

import (
	"context"
	"fmt"
	"sync"
)

// CachedResolver answers from an in-memory vocabulary snapshot and reads
// through to the store on a miss. A miss that the store cannot satisfy is
// inserted without any lock, which is why the resolver must be the only
// writer of its shard: a second writer can insert the same word between this
// resolver's lookup and its insert, leaving two rows for one text.
type CachedResolver struct {
	store Store
	opts  options

	mu        sync.Mutex
	ids       map[string]int64
	preloaded bool
}

func NewCachedResolver(store Store, opts ...Option) *CachedResolver {
	return &CachedResolver{
		store: store,
		opts:  buildOptions(opts),
		ids:   make(map[string]int64),
	}
}

// Preload copies the entire vocabulary into the cache. After a preload a
// cache miss means the word is new, so misses skip the store lookup.
func (r *CachedResolver) Preload(ctx context.Context) (int, error) {
	words, err := r.store.AllWords(ctx)
	if err != nil {
		return 0, fmt.Errorf("preloading vocabulary: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range words {
		if id, ok := r.ids[w.Text]; !ok || w.ID < id {
			r.ids[w.Text] = w.ID
		}
	}
	r.preloaded = true
	return len(r.ids), nil
}

// Len returns the number of cached words.
func (r *CachedResolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func (r *CachedResolver) Resolve(ctx context.Context, words []string) (map[string]int64, error) {
	words = distinct(words)
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int64, len(words))
	var misses []string
	for _, w := range words {
		if id, ok := r.ids[w]; ok {
			out[w] = id
			continue
		}
		misses = append(misses, w)
	}
	stats := Stats{Hits: len(out), Misses: len(misses)}

	if len(misses) > 0 {
		var (
			resolved map[string]int64
			created  int
			err      error
		)
		if r.preloaded {
			resolved, created, err = insertAll(ctx, r.store, misses)
		} else {
			resolved, created, err = resolveOnce(ctx, r.store, misses)
		}
		if err != nil {
			return nil, err
		}
		for w, id := range resolved {
			r.ids[w] = id
			out[w] = id
		}
		stats.Created = created
	}
	r.opts.observe(stats)
	return out, nil
}

// insertAll inserts words known to be absent from a preloaded cache.
func insertAll(ctx context.Context, q Querier, words []string) (map[string]int64, int, error) {
	rows := make([]Word, len(words))
	for i, w := range words {
		rows[i] = Word{Text: w, HashKey: HashKey(w)}
	}
	created, err := q.InsertWords(ctx, rows)
	if err != nil {
		return nil, 0, fmt.Errorf("inserting %d words: %w", len(rows), err)
	}
	if len(created) != len(rows) {
		return nil, 0, fmt.Errorf("inserted %d words, store returned %d", len(rows), len(created))
	}
	ids := make(map[string]int64, len(created))
	for _, w := range created {
		ids[w.Text] = w.ID
	}
	return ids, len(created), nil
}

// DirectResolver resolves every batch against the store with the batch's hash
// buckets locked, so concurrent writers never both insert the same word.
type DirectResolver struct {
	store Store
	opts  options
}

func NewDirectResolver(store Store, opts ...Option) *DirectResolver {
	return &DirectResolver{store: store, opts: buildOptions(opts)}
}

func (r *DirectResolver) Resolve(ctx context.Context, words []string) (map[string]int64, error) {
	words = distinct(words)
	if len(words) == 0 {
		return map[string]int64{}, nil
	}
	var (
		out     map[string]int64
		created int
	)
	err := r.store.LockWords(ctx, hashKeys(words), func(q Querier) error {
		var err error
		out, created, err = resolveOnce(ctx, q, words)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.opts.observe(Stats{Misses: len(words), Created: created})
	return out, nil
}
