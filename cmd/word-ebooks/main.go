// Command word-ebooks prints the ebooks in which a word shows up the most,
// merged across every shard.
//
//	word-ebooks [-config file] [-limit n] word
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/query"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/report"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	limit := flag.Int("limit", 10, "number of ebooks to display")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] word\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	word := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	n, err := cfg.Query.Limit(*limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx := context.Background()
	readers, err := query.OpenReaders(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open shards: %v\n", err)
		os.Exit(1)
	}
	defer readers.Close()

	res, err := readers.Merger.TopDocuments(ctx, word, n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		readers.Close()
		os.Exit(1)
	}
	if err := report.Documents(res.Results).Render(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
	}
	if res.Partial {
		missing := slices.Concat(res.TimedOutShards, res.FailedShards)
		fmt.Fprintf(os.Stderr, "warning: partial result, no answer from %s\n", strings.Join(missing, ", "))
	}
}
