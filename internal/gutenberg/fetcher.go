// Package gutenberg is the upstream document source: it reads catalogue
// metadata and plain-text ebooks from a Project Gutenberg mirror, strips the
// licence header and footer, and emits one corpus.Record per ebook id. Ebooks
// that cannot be used are emitted with a skip reason instead of text.
package gutenberg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/resilience"
)

// Skip reasons carried on corpus.Record.
const (
	SkipNoMetadata = "metadata unavailable"
	SkipLanguage   = "language not wanted"
	SkipNoText     = "text unavailable"
	SkipNoHeader   = "header not found"
	SkipNoFooter   = "footer not found"
	SkipMirrorDown = "mirror unavailable"
)

const (
	maxTextBytes    = 64 << 20
	maxRDFBytes     = 4 << 20
	breakerName     = "gutenberg-mirror"
	defaultMirror   = "http://www.gutenberg.org"
	defaultLanguage = "en"
)

// Text file name suffixes tried in order for files/{id}/{id}{suffix}.txt.
var textSuffixes = []string{"", "-0", "-8"}

var (
	errNotFound  = errors.New("not found on mirror")
	errMalformed = errors.New("malformed response")
)

// final errors are neither retried nor held against the mirror.
func final(err error) bool {
	return errors.Is(err, errNotFound) || errors.Is(err, errMalformed)
}

type Fetcher struct {
	client       *http.Client
	baseURL      string
	language     string
	headerWindow int
	footerWindow int
	maxText      int64
	retry        resilience.RetryConfig
	breaker      *resilience.CircuitBreaker
	logger       *slog.Logger
}

type Option func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithBreaker replaces the mirror circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(f *Fetcher) { f.breaker = cb }
}

// WithMaxTextBytes sets the largest text file accepted. Longer files are
// skipped, never indexed in part.
func WithMaxTextBytes(n int64) Option {
	return func(f *Fetcher) { f.maxText = n }
}

// WithRetryDelay sets the initial backoff between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(f *Fetcher) { f.retry.InitialDelay = d }
}

func NewFetcher(cfg config.GutenbergConfig, m *metrics.Metrics, opts ...Option) *Fetcher {
	if m == nil {
		m = metrics.Discard()
	}
	f := &Fetcher{
		client:       &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		language:     cfg.Language,
		headerWindow: cfg.HeaderWindow,
		footerWindow: cfg.FooterWindow,
		maxText:      maxTextBytes,
		retry: resilience.RetryConfig{
			MaxAttempts:  cfg.RetryAttempts,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Retryable:    func(err error) bool { return !final(err) },
		},
		logger: logger.WithComponent("gutenberg"),
	}
	if f.baseURL == "" {
		f.baseURL = defaultMirror
	}
	if f.language == "" {
		f.language = defaultLanguage
	}
	f.breaker = resilience.NewCircuitBreaker(breakerName, resilience.CircuitBreakerConfig{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 1,
		OnStateChange: func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Records fetches every id of ranges in ascending order within each range.
// The stream closes when all ids are emitted or ctx is done.
func (f *Fetcher) Records(ctx context.Context, ranges []shard.Range) <-chan corpus.Record {
	out := make(chan corpus.Record)
	go func() {
		defer close(out)
		for _, r := range ranges {
			for id := r.Low; id < r.High; id++ {
				rec, err := f.Fetch(ctx, id)
				if err != nil {
					return
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Fetch produces the record for one ebook. Every failure other than ctx
// ending becomes a skip reason on the returned record.
func (f *Fetcher) Fetch(ctx context.Context, id int64) (corpus.Record, error) {
	log := f.logger.With("doc_id", id)
	skip := func(doc corpus.Document, reason string, err error) (corpus.Record, error) {
		if ctx.Err() != nil {
			return corpus.Record{}, ctx.Err()
		}
		if err != nil {
			log.Debug("ebook skipped", "reason", reason, "error", err)
		}
		doc.ID = id
		if doc.Authors == nil {
			doc.Authors = []string{}
		}
		return corpus.Record{Document: doc, SkipReason: reason}, nil
	}

	doc, err := f.metadata(ctx, id)
	if err != nil {
		return skip(corpus.Document{}, reasonFor(err, SkipNoMetadata), err)
	}
	if !strings.EqualFold(doc.Language, f.language) {
		return skip(doc, SkipLanguage+" ("+doc.Language+")", nil)
	}
	text, err := f.text(ctx, id)
	if err != nil {
		return skip(doc, reasonFor(err, SkipNoText), err)
	}
	body, reason, ok := Body(text, f.headerWindow, f.footerWindow)
	if !ok {
		return skip(doc, reason, nil)
	}
	return corpus.Record{Document: doc, Text: body}, nil
}

func reasonFor(err error, fallback string) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return SkipMirrorDown
	}
	return fallback
}

func (f *Fetcher) metadata(ctx context.Context, id int64) (corpus.Document, error) {
	url := fmt.Sprintf("%s/cache/epub/%d/pg%d.rdf", f.baseURL, id, id)
	var doc corpus.Document
	err := f.get(ctx, url, maxRDFBytes, func(r io.Reader) error {
		var err error
		doc, err = ParseMetadata(id, r)
		return err
	})
	return doc, err
}

func (f *Fetcher) text(ctx context.Context, id int64) (string, error) {
	var lastErr error
	for _, suffix := range textSuffixes {
		url := fmt.Sprintf("%s/files/%d/%d%s.txt", f.baseURL, id, id, suffix)
		var text string
		err := f.get(ctx, url, f.maxText, func(r io.Reader) error {
			b, err := io.ReadAll(r)
			text = string(b)
			return err
		})
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !errors.Is(err, errNotFound) {
			return "", err
		}
	}
	return "", lastErr
}

// get fetches url through the breaker and retry policy. A body longer than
// limit is malformed.
func (f *Fetcher) get(ctx context.Context, url string, limit int64, read func(io.Reader) error) error {
	return f.breaker.ExecuteCounting(func() error {
		return resilience.Retry(ctx, "GET "+url, f.retry, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := f.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusNotFound:
				return fmt.Errorf("%s: %w", url, errNotFound)
			case resp.StatusCode != http.StatusOK:
				return fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
			if err != nil {
				return fmt.Errorf("%s: reading body: %w", url, err)
			}
			if int64(len(body)) > limit {
				return fmt.Errorf("%s: %w: body exceeds %d bytes", url, errMalformed, limit)
			}
			if err := read(bytes.NewReader(body)); err != nil {
				return fmt.Errorf("%s: %w: %v", url, errMalformed, err)
			}
			return nil
		})
	}, func(err error) bool { return !final(err) })
}
