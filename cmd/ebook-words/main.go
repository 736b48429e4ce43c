// Command ebook-words prints the most frequently used words of one ebook.
//
//	ebook-words [-config file] [-limit n] ebook_id
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/query"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/report"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	limit := flag.Int("limit", 10, "number of words to display")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] ebook_id\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	ebookID, err := strconv.ParseInt(flag.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid ebook id %q\n", flag.Arg(0))
		os.Exit(2)
	}

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

	res, err := readers.Merger.TopWords(ctx, ebookID, n)
	switch {
	case errors.Is(err, apperrors.ErrDocumentNotFound), errors.Is(err, apperrors.ErrOutOfRange):
		fmt.Printf("Ebook %d not found in databases.\n", ebookID)
		return
	case err != nil:
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		readers.Close()
		os.Exit(1)
	}
	if err := report.Words(res.Results).Render(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
	}
}
