package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/api"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/query"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/redis"
)

// searcherGroup is shared by every query node: the Redis cache is shared
// too, so one invalidation per report is enough.
const searcherGroup = "wordindex-searcher"

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	readers, err := query.OpenReaders(ctx, cfg, m)
	if err != nil {
		slog.Error("failed to open shards", "error", err)
		os.Exit(1)
	}
	defer readers.Close()
	slog.Info("starting query service", "port", cfg.Server.Port, "shards", readers.Registry.Len())

	checker := health.NewChecker(cfg.Query.TimeoutPerShard * 2)
	for _, st := range readers.Stores {
		checker.Register("shard:"+st.ShardID(), health.PingCheck(st))
	}
	merger := readers.Merger

	var service query.Service = merger
	var cached *query.CachedService
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, query caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			cached = query.NewCachedService(merger, redisClient, cfg.Redis.CacheTTL, cfg.Redis.KeyPrefix, m)
			service = cached
			checker.Register("redis", health.OptionalPingCheck(redisClient))
			slog.Info("query cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	if cfg.Kafka.Enabled && cached != nil {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.IngestComplete, kafka.ConsumerOptions{
			GroupID: searcherGroup,
		}, invalidateOnIngest(cached))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("ingest-complete consumer stopped", "error", err)
			}
		}()
		slog.Info("cache invalidation consumer started", "topic", cfg.Kafka.Topics.IngestComplete)
	}

	var cacheAdmin api.CacheAdmin
	if cached != nil {
		cacheAdmin = cached
	}
	h := api.New(service, cacheAdmin, cfg.Query.DefaultLimit, cfg.Query.MaxLimit)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(h, checker, m, 2*cfg.Query.TimeoutPerShard),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("query service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("query service stopped")
}

// invalidateOnIngest drops cached results whenever a shard finishes a build
// that changed it.
func invalidateOnIngest(cache *query.CachedService) kafka.MessageHandler {
	log := logger.WithComponent("cache-invalidator")
	return func(ctx context.Context, key, value []byte) error {
		report, err := kafka.DecodeJSON[ingest.Report](value)
		if err != nil {
			log.Warn("ignoring malformed ingestion report", "key", string(key), "error", err)
			return nil
		}
		if report.Loaded == 0 {
			return nil
		}
		log.Info("shard rebuilt, invalidating cache", "shard_id", report.ShardID, "loaded", report.Loaded)
		return cache.Invalidate(ctx)
	}
}
