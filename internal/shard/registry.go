// Package shard maps document id ranges to storage shards. The mapping is
// static for the life of a process and is used to route documents during
// ingestion and to fan queries out at read time.
package shard

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
)

// Range is a half-open document id interval [Low, High).
type Range struct {
	Low  int64
	High int64
}

func (r Range) Contains(id int64) bool {
	return id >= r.Low && id < r.High
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Low, r.High)
}

// Shard is one storage unit. All of its ranges share a single store.
type Shard struct {
	ID     string
	Ranges []Range
	Config config.ShardConfig
}

// Owns reports whether id falls in one of the shard's ranges.
func (s Shard) Owns(id int64) bool {
	for _, r := range s.Ranges {
		if r.Contains(id) {
			return true
		}
	}
	return false
}

type span struct {
	Range
	shard int
}

// Registry resolves document ids to shards. It is immutable once built and
// safe for concurrent use.
type Registry struct {
	shards []Shard
	byID   map[string]int
	spans  []span // sorted by Low
}

// NewRegistry validates that every range is non-empty and that no two ranges
// overlap, across and within shards.
func NewRegistry(shards []Shard) (*Registry, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: no shards configured", apperrors.ErrConfiguration)
	}
	r := &Registry{
		shards: make([]Shard, len(shards)),
		byID:   make(map[string]int, len(shards)),
	}
	for i, s := range shards {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: shard %d has no id", apperrors.ErrConfiguration, i)
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate shard id %q", apperrors.ErrConfiguration, s.ID)
		}
		if len(s.Ranges) == 0 {
			return nil, fmt.Errorf("%w: shard %q owns no ranges", apperrors.ErrConfiguration, s.ID)
		}
		s.Ranges = append([]Range(nil), s.Ranges...)
		r.shards[i] = s
		r.byID[s.ID] = i
		for _, rg := range s.Ranges {
			if rg.Low >= rg.High {
				return nil, fmt.Errorf("%w: shard %q has empty range %s", apperrors.ErrConfiguration, s.ID, rg)
			}
			r.spans = append(r.spans, span{Range: rg, shard: i})
		}
	}
	sort.Slice(r.spans, func(i, j int) bool { return r.spans[i].Low < r.spans[j].Low })
	for i := 1; i < len(r.spans); i++ {
		prev, cur := r.spans[i-1], r.spans[i]
		if cur.Low < prev.High {
			return nil, fmt.Errorf("%w: range %s of shard %q overlaps range %s of shard %q",
				apperrors.ErrConfiguration, cur.Range, r.shards[cur.shard].ID, prev.Range, r.shards[prev.shard].ID)
		}
	}
	slog.Default().With("component", "shard-registry").Info("shard registry ready",
		"shards", len(r.shards),
		"ranges", len(r.spans),
	)
	return r, nil
}

// FromConfig builds a Registry from the configured shard list.
func FromConfig(cfgs []config.ShardConfig) (*Registry, error) {
	shards := make([]Shard, 0, len(cfgs))
	for _, c := range cfgs {
		s := Shard{ID: c.ID, Config: c}
		for _, rg := range c.Ranges {
			s.Ranges = append(s.Ranges, Range{Low: rg.Low, High: rg.High})
		}
		shards = append(shards, s)
	}
	return NewRegistry(shards)
}

// ShardFor returns the single shard owning id, or ErrOutOfRange.
func (r *Registry) ShardFor(id int64) (Shard, error) {
	// First span starting after id; its predecessor is the only candidate.
	i := sort.Search(len(r.spans), func(i int) bool { return r.spans[i].Low > id })
	if i > 0 && r.spans[i-1].Contains(id) {
		return r.shards[r.spans[i-1].shard], nil
	}
	return Shard{}, fmt.Errorf("document %d: %w", id, apperrors.ErrOutOfRange)
}

// Shard returns the shard with the given id.
func (r *Registry) Shard(id string) (Shard, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Shard{}, false
	}
	return r.shards[i], true
}

// All returns every shard in configuration order.
func (r *Registry) All() []Shard {
	out := make([]Shard, len(r.shards))
	copy(out, r.shards)
	return out
}

// Len returns the number of shards.
func (r *Registry) Len() int {
	return len(r.shards)
}
