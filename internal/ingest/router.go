package ingest

import (
	"context"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/shard"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
)

// RouteReport counts what the router did with a stream.
type RouteReport struct {
	Routed   map[string]int64 `json:"routed"`
	Rejected int64            `json:"rejected"`
	// Unserved counts documents owned by a configured shard that is not part
	// of this run.
	Unserved int64 `json:"unserved"`
}

// Router splits one multi-shard record stream by document id.
type Router struct {
	registry *shard.Registry
	buffer   int
	logger   *slog.Logger
}

// NewRouter returns a router over registry. buffer sizes each per-shard
// stream.
func NewRouter(registry *shard.Registry, buffer int) *Router {
	if buffer < 0 {
		buffer = 0
	}
	return &Router{
		registry: registry,
		buffer:   buffer,
		logger:   logger.WithComponent("ingest-router"),
	}
}

// Routing is an in-progress split of one stream.
type Routing struct {
	streams map[string]chan corpus.Record
	done    chan struct{}
	report  RouteReport
}

// Stream returns the records routed to shardID. It is nil for shards that
// were not requested.
func (rt *Routing) Stream(shardID string) <-chan corpus.Record {
	ch, ok := rt.streams[shardID]
	if !ok {
		return nil
	}
	return ch
}

// Wait blocks until the input is exhausted and every per-shard stream is
// closed.
func (rt *Routing) Wait() RouteReport {
	<-rt.done
	return rt.report
}

// Route starts splitting in across the given shards, or every configured
// shard when shardIDs is empty. Each per-shard stream must be consumed until
// closed; a slow shard applies backpressure to the whole split.
func (r *Router) Route(ctx context.Context, in <-chan corpus.Record, shardIDs ...string) *Routing {
	if len(shardIDs) == 0 {
		for _, s := range r.registry.All() {
			shardIDs = append(shardIDs, s.ID)
		}
	}
	rt := &Routing{
		streams: make(map[string]chan corpus.Record, len(shardIDs)),
		done:    make(chan struct{}),
		report:  RouteReport{Routed: make(map[string]int64, len(shardIDs))},
	}
	for _, id := range shardIDs {
		rt.streams[id] = make(chan corpus.Record, r.buffer)
	}

	go func() {
		defer close(rt.done)
		defer func() {
			for _, ch := range rt.streams {
				close(ch)
			}
		}()
		for {
			var (
				rec corpus.Record
				ok  bool
			)
			select {
			case rec, ok = <-in:
				if !ok {
					r.logger.Info("stream routed",
						"routed", rt.report.Routed,
						"rejected", rt.report.Rejected,
						"unserved", rt.report.Unserved,
					)
					return
				}
			case <-ctx.Done():
				return
			}

			s, err := r.registry.ShardFor(rec.ID)
			if err != nil {
				rt.report.Rejected++
				r.logger.Warn("document rejected", "doc_id", rec.ID, "code", apperrors.Code(err))
				continue
			}
			out, ok := rt.streams[s.ID]
			if !ok {
				rt.report.Unserved++
				continue
			}
			select {
			case out <- rec:
				rt.report.Routed[s.ID]++
			case <-ctx.Done():
				return
			}
		}
	}()
	return rt
}
