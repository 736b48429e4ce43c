// Package vocab maps words to stable per-shard integer ids.
//
// Words are looked up in two phases: the store narrows candidates by a
// bounded-width hash key (an indexed integer column), then candidates are
// confirmed by exact text comparison. Hash keys collide by construction, so
// the text check is what makes a lookup correct; the hash phase only keeps
// the lookup on an integer index.
//
// Two Resolver variants exist and one is chosen when an ingestion session
// starts:
//
//   - CachedResolver keeps an in-memory copy of the vocabulary and only goes
//     to the store for words it has not seen. It is correct only while exactly
//     one writer mutates the shard's vocabulary.
//   - DirectResolver resolves every batch against the store inside a
//     transaction that locks the batch's hash buckets, so any number of
//     writers can share a shard without creating duplicate words.
package vocab

import (
	"context"
	"fmt"
	"hash/crc32"
	"sort"
)

// HashKeyWidth bounds hash keys to [0, HashKeyWidth).
const HashKeyWidth = 10000

// Word is one vocabulary row.
type Word struct {
	ID      int64
	Text    string
	HashKey int64
}

// HashKey derives the lookup key of a word: CRC-32 (IEEE) of its UTF-8 bytes
// reduced to four decimal digits.
func HashKey(text string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(text)) % HashKeyWidth)
}

// Querier is the store surface used by one resolution pass.
type Querier interface {
	// WordsByHashKeys returns every word whose hash key is in keys.
	WordsByHashKeys(ctx context.Context, keys []int64) ([]Word, error)
	// InsertWords stores new words in one batched write and returns them with
	// store-assigned ids.
	InsertWords(ctx context.Context, words []Word) ([]Word, error)
}

// Store is a shard's durable vocabulary.
type Store interface {
	Querier
	// AllWords returns the whole vocabulary.
	AllWords(ctx context.Context) ([]Word, error)
	// LockWords runs fn in a transaction holding exclusive locks on the given
	// hash buckets.
	LockWords(ctx context.Context, keys []int64, fn func(Querier) error) error
}

// Resolver resolves, creating where missing, a batch of words to ids.
type Resolver interface {
	Resolve(ctx context.Context, words []string) (map[string]int64, error)
}

// Mode selects a Resolver variant.
type Mode string

const (
	ModeCached Mode = "cached"
	ModeDirect Mode = "direct"
)

// New returns the Resolver for mode.
func New(mode Mode, store Store, opts ...Option) (Resolver, error) {
	switch mode {
	case ModeCached:
		return NewCachedResolver(store, opts...), nil
	case ModeDirect:
		return NewDirectResolver(store, opts...), nil
	default:
		return nil, fmt.Errorf("unknown vocabulary mode %q", mode)
	}
}

// Stats counts how words were resolved.
type Stats struct {
	Hits    int
	Misses  int
	Created int
}

// Option configures a resolver.
type Option func(*options)

type options struct {
	observe func(Stats)
}

// WithObserver receives per-batch resolution counts.
func WithObserver(fn func(Stats)) Option {
	return func(o *options) { o.observe = fn }
}

func buildOptions(opts []Option) options {
	o := options{observe: func(Stats) {}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// hashKeys returns the distinct, sorted hash keys of words. Sorting gives a
// stable lock order across writers.
func hashKeys(words []string) []int64 {
	set := make(map[int64]struct{}, len(words))
	for _, w := range words {
		set[HashKey(w)] = struct{}{}
	}
	keys := make([]int64, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// distinct drops duplicate and empty words, keeping first-seen order.
func distinct(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// resolveOnce narrows by hash key, confirms by text, and inserts whatever is
// left in a single batch. When the store already holds duplicate rows for a
// text the lowest id wins.
func resolveOnce(ctx context.Context, q Querier, words []string) (map[string]int64, int, error) {
	ids := make(map[string]int64, len(words))
	if len(words) == 0 {
		return ids, 0, nil
	}
	candidates, err := q.WordsByHashKeys(ctx, hashKeys(words))
	if err != nil {
		return nil, 0, fmt.Errorf("looking up %d words by hash key: %w", len(words), err)
	}
	wanted := make(map[string]struct{}, len(words))
	for _, w := range words {
		wanted[w] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := wanted[c.Text]; !ok {
			continue
		}
		if id, ok := ids[c.Text]; !ok || c.ID < id {
			ids[c.Text] = c.ID
		}
	}

	missing := make([]Word, 0, len(words)-len(ids))
	for _, w := range words {
		if _, ok := ids[w]; !ok {
			missing = append(missing, Word{Text: w, HashKey: HashKey(w)})
		}
	}
	if len(missing) == 0 {
		return ids, 0, nil
	}
	created, err := q.InsertWords(ctx, missing)
	if err != nil {
		return nil, 0, fmt.Errorf("inserting %d words: %w", len(missing), err)
	}
	if len(created) != len(missing) {
		return nil, 0, fmt.Errorf("inserted %d words, store returned %d", len(missing), len(created))
	}
	for _, w := range created {
		ids[w.Text] = w.ID
	}
	return ids, len(created), nil
}
