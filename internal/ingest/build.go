package ingest

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
)

// Session pairs a shard's coordinator with the source of its records.
// Records is called once with a context that is cancelled when the
// coordinator stops; the returned channel must be closed by the source.
type Session struct {
	Coordinator *Coordinator
	Records     func(ctx context.Context) <-chan corpus.Record
}

// BuildAll runs every session, at most parallel at a time (unbounded when
// parallel <= 0), and returns one report per session in input order. A
// failed shard never cancels the others.
func BuildAll(ctx context.Context, sessions []Session, parallel int) []Report {
	log := logger.WithComponent("ingest-build")
	reports := make([]Report, len(sessions))

	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, s := range sessions {
		g.Go(func() error {
			shardCtx, cancel := context.WithCancel(ctx)
			records := s.Records(shardCtx)
			if records == nil {
				empty := make(chan corpus.Record)
				close(empty)
				records = empty
			}
			reports[i] = s.Coordinator.Ingest(shardCtx, records)
			cancel()
			// Keep the source unblocked until it notices the cancellation.
			for range records {
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range reports {
		if r.Failed() {
			failed++
		}
	}
	log.Info("build finished", "shards", len(reports), "failed", failed)
	return reports
}
