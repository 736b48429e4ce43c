// Command builder ingests ebooks into the configured shards. Each shard is
// built concurrently from either the Gutenberg mirror (the shard's own id
// ranges) or the document ingest Kafka topic (one stream split by id).
// With -publish it instead fetches the shards' ranges from the mirror and
// feeds them to the document ingest topic for a later -source kafka build.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/gutenberg"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/source"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/store"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/vocab"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/database"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/resilience"
)

const (
	sourceGutenberg = "gutenberg"
	sourceKafka     = "kafka"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	shardID := flag.String("shard", "", "build only this shard (default: all)")
	src := flag.String("source", sourceGutenberg, "document source: gutenberg or kafka")
	rebuild := flag.Bool("rebuild", false, "drop shard tables before building")
	ping := flag.Int("ping", -1, "log progress every N documents (default from config)")
	publish := flag.Bool("publish", false, "fetch from the mirror and publish to kafka instead of building")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if *ping >= 0 {
		cfg.Ingest.ProgressEvery = *ping
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *publish {
		if err := publishDocuments(ctx, cfg, *shardID); err != nil {
			slog.Error("publish failed", "error", err)
			os.Exit(1)
		}
		return
	}

	reports, err := run(ctx, cfg, *shardID, *src, *rebuild)
	if err != nil {
		slog.Error("build failed", "error", err)
		os.Exit(1)
	}
	failed := 0
	for _, r := range reports {
		fmt.Println(formatReport(r))
		if r.Failed() {
			failed++
		}
	}
	if failed > 0 {
		os.Exit(2)
	}
}

// selectShards returns every shard, or only the named one.
func selectShards(registry *shard.Registry, only string) ([]shard.Shard, error) {
	if only == "" {
		return registry.All(), nil
	}
	s, ok := registry.Shard(only)
	if !ok {
		return nil, fmt.Errorf("unknown shard %q", only)
	}
	return []shard.Shard{s}, nil
}

func run(ctx context.Context, cfg *config.Config, only, src string, rebuild bool) ([]ingest.Report, error) {
	registry, err := shard.FromConfig(cfg.Shards)
	if err != nil {
		return nil, err
	}
	shards, err := selectShards(registry, only)
	if err != nil {
		return nil, err
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	sessions := make([]ingest.Session, 0, len(shards))
	parallel := cfg.Ingest.MaxParallelShards
	var routing *ingest.Routing

	switch src {
	case sourceGutenberg:
	case sourceKafka:
		if !cfg.Kafka.Enabled {
			return nil, fmt.Errorf("source kafka requires kafka.enabled")
		}
		ids := make([]string, len(shards))
		for i, s := range shards {
			ids[i] = s.ID
		}
		stream := source.NewKafka(cfg.Kafka, cfg.Ingest.QueueSize).Records(ctx)
		routing = ingest.NewRouter(registry, cfg.Ingest.QueueSize).Route(ctx, stream, ids...)
		// Every routed stream must be consumed at once or the router blocks.
		parallel = 0
	default:
		return nil, fmt.Errorf("unknown source %q", src)
	}

	fetcher := gutenberg.NewFetcher(cfg.Gutenberg, m)
	tok := tokenizer.New()
	for _, s := range shards {
		coordStore, sinkStore, err := openShard(ctx, cfg, s, rebuild)
		if err != nil {
			return nil, err
		}
		defer coordStore.Close()
		defer sinkStore.Close()

		coord := ingest.NewCoordinator(s, coordStore, sinkStore, tok, ingest.Options{
			Mode: vocab.Mode(cfg.Ingest.Vocabulary),
			Writer: ingest.WriterConfig{
				QueueSize:      cfg.Ingest.QueueSize,
				BatchRows:      cfg.Ingest.BatchRows,
				BatchDocuments: cfg.Ingest.BatchDocuments,
				FlushInterval:  cfg.Ingest.FlushInterval,
			},
			BatchRetry:    resilience.RetryConfig{MaxAttempts: cfg.Ingest.BatchAttempts},
			ProgressEvery: cfg.Ingest.ProgressEvery,
			Metrics:       m,
		})
		records := func(ctx context.Context) <-chan corpus.Record {
			return fetcher.Records(ctx, s.Ranges)
		}
		if routing != nil {
			records = func(context.Context) <-chan corpus.Record { return routing.Stream(s.ID) }
		}
		slog.Info("shard queued for build", "shard_id", s.ID, "ranges", fmt.Sprint(s.Ranges), "source", src)
		sessions = append(sessions, ingest.Session{Coordinator: coord, Records: records})
	}

	reports := ingest.BuildAll(ctx, sessions, parallel)
	if routing != nil {
		rr := routing.Wait()
		slog.Info("kafka stream routed", "routed", rr.Routed, "rejected", rr.Rejected, "unserved", rr.Unserved)
	}
	if cfg.Kafka.Enabled {
		publishReports(ctx, cfg.Kafka, reports)
	}
	return reports, nil
}

// openShard opens the coordinator's and the frequency writer's connections
// with writer credentials. A rebuild drops the shard once, before either is
// used.
func openShard(ctx context.Context, cfg *config.Config, s shard.Shard, rebuild bool) (*store.Store, *store.Store, error) {
	dsn := cfg.Database.Endpoint(s.Config, config.WriteAccess)
	coord, err := store.Open(ctx, s.ID, cfg.Database.Dialect, dsn, database.SingleConn)
	if err != nil {
		return nil, nil, err
	}
	if rebuild {
		if err := coord.Drop(ctx); err != nil {
			coord.Close()
			return nil, nil, err
		}
	}
	sink, err := store.Open(ctx, s.ID, cfg.Database.Dialect, dsn, database.SingleConn)
	if err != nil {
		coord.Close()
		return nil, nil, err
	}
	return coord, sink, nil
}

// publishDocuments streams the mirror's records for the selected shards onto
// the document ingest topic in batches. Skipped ebooks are published too so
// that the consuming build counts them.
func publishDocuments(ctx context.Context, cfg *config.Config, only string) error {
	if !cfg.Kafka.Enabled {
		return fmt.Errorf("publish requires kafka.enabled")
	}
	registry, err := shard.FromConfig(cfg.Shards)
	if err != nil {
		return err
	}
	shards, err := selectShards(registry, only)
	if err != nil {
		return err
	}
	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest)
	defer producer.Close()

	fetcher := gutenberg.NewFetcher(cfg.Gutenberg, metrics.Discard())
	for _, s := range shards {
		n, err := source.PublishStream(ctx, producer, func(ctx context.Context) <-chan corpus.Record {
			return fetcher.Records(ctx, s.Ranges)
		}, cfg.Ingest.BatchDocuments)
		if err != nil {
			return fmt.Errorf("shard %s: published %d documents: %w", s.ID, n, err)
		}
		slog.Info("shard documents published", "shard_id", s.ID, "total", n)
	}
	return nil
}

func publishReports(ctx context.Context, cfg config.KafkaConfig, reports []ingest.Report) {
	producer := kafka.NewProducer(cfg, cfg.Topics.IngestComplete)
	defer producer.Close()
	events := make([]kafka.Event, len(reports))
	for i, r := range reports {
		events[i] = kafka.Event{Key: r.ShardID, Value: r}
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := producer.PublishBatch(pubCtx, events); err != nil {
		slog.Warn("ingestion reports not published", "error", err)
	}
}

func formatReport(r ingest.Report) string {
	line := fmt.Sprintf("%s: %s loaded=%d skipped=%d rejected=%d existing=%d words=%d duration=%s",
		r.ShardID, r.State, r.Loaded, r.Skipped, r.Rejected, r.Existing, r.Words, r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		line += " error=" + r.Error
	}
	return line
}
