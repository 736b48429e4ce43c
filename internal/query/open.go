package query

import (
	"context"
	"errors"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/store"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/database"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/metrics"
)

// Readers is a Merger over every configured shard, connected with reader
// credentials.
type Readers struct {
	Registry *shard.Registry
	Stores   []*store.Store
	Merger   *Merger
}

// OpenReaders connects to every shard in cfg. On error nothing stays open.
func OpenReaders(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*Readers, error) {
	registry, err := shard.FromConfig(cfg.Shards)
	if err != nil {
		return nil, err
	}
	r := &Readers{Registry: registry}
	pool := database.PoolFromConfig(cfg.Database)
	queriers := make(map[string]ShardQuerier, registry.Len())
	for _, s := range registry.All() {
		st, err := store.OpenReader(ctx, s.ID, cfg.Database.Dialect, cfg.Database.Endpoint(s.Config, config.ReadAccess), pool)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.Stores = append(r.Stores, st)
		queriers[s.ID] = st
	}
	r.Merger, err = NewMerger(registry, queriers, cfg.Query.TimeoutPerShard, m)
	if err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Readers) Close() error {
	var errs []error
	for _, st := range r.Stores {
		errs = append(errs, st.Close())
	}
	return errors.Join(errs...)
}
