// Command loadtest drives a running query service with a mix of top-words
// and top-documents requests and prints latency percentiles.
//
//	go run ./cmd/loadtest [-url http://localhost:8080] [-ids 19001-19601] [-words whale,alice]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	Limit       int
	LowID       int64
	HighID      int64
	Words       []string
	WordShare   float64
}

type endpointStats struct {
	requests  atomic.Int64
	errors    atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
	codes     map[int]int64
}

func newEndpointStats() *endpointStats {
	return &endpointStats{codes: make(map[int]int64)}
}

func (s *endpointStats) record(d time.Duration, status int, err error) {
	s.requests.Add(1)
	if err != nil || status >= 500 {
		s.errors.Add(1)
	}
	if err != nil {
		return
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.codes[status]++
	s.mu.Unlock()
}

type Stats struct {
	words     *endpointStats
	documents *endpointStats
	partial   atomic.Int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the query service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	limit := flag.Int("limit", 10, "limit sent with every query")
	ids := flag.String("ids", "19001-19601", "ebook id range [low-high) for top-words queries")
	words := flag.String("words", "whale,alice,sea,love,war,king,ship,night,river,garden", "comma separated words for top-documents queries")
	share := flag.Float64("word-share", 0.5, "fraction of requests that are top-documents queries")
	flag.Parse()

	low, high, err := parseRange(*ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -ids: %v\n", err)
		os.Exit(2)
	}
	cfg := Config{
		BaseURL:     strings.TrimRight(*baseURL, "/"),
		Concurrency: *concurrency,
		Duration:    *duration,
		Limit:       *limit,
		LowID:       low,
		HighID:      high,
		Words:       strings.Split(*words, ","),
		WordShare:   *share,
	}

	fmt.Println("=== Word Index Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Ebook ids:   [%d, %d)\n", cfg.LowID, cfg.HighID)
	fmt.Printf("Words:       %d unique\n", len(cfg.Words))
	fmt.Println()

	stats := runLoadTest(cfg)
	if !printReport(stats, cfg.Duration) {
		os.Exit(1)
	}
}

func parseRange(s string) (int64, int64, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("expected low-high, got %q", s)
	}
	low, err := strconv.ParseInt(lo, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	high, err := strconv.ParseInt(hi, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if low >= high {
		return 0, 0, fmt.Errorf("empty range %q", s)
	}
	return low, high, nil
}

func runLoadTest(cfg Config) *Stats {
	stats := &Stats{words: newEndpointStats(), documents: newEndpointStats()}
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if rand.Float64() < cfg.WordShare {
					word := cfg.Words[rand.IntN(len(cfg.Words))]
					target := fmt.Sprintf("%s/api/v1/words/%s/documents?limit=%d", cfg.BaseURL, url.PathEscape(word), cfg.Limit)
					d, status, partial, err := call(ctx, client, target)
					if partial {
						stats.partial.Add(1)
					}
					stats.documents.record(d, status, err)
					continue
				}
				id := cfg.LowID + rand.Int64N(cfg.HighID-cfg.LowID)
				target := fmt.Sprintf("%s/api/v1/documents/%d/words?limit=%d", cfg.BaseURL, id, cfg.Limit)
				d, status, _, err := call(ctx, client, target)
				stats.words.record(d, status, err)
			}
		}()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

// call issues one GET. Requests cut short by the end of the run are reported
// as errors and skipped by the caller's latency figures.
func call(ctx context.Context, client *http.Client, target string) (time.Duration, int, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, 0, false, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, false, err
	}
	defer resp.Body.Close()
	var body struct {
		Partial bool `json:"partial"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return time.Since(start), resp.StatusCode, body.Partial, nil
}

func printReport(stats *Stats, duration time.Duration) bool {
	total := stats.words.requests.Load() + stats.documents.requests.Load()
	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	if total > 0 {
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}
	fmt.Printf("Partial results: %d\n", stats.partial.Load())

	printEndpoint("top words", stats.words)
	printEndpoint("top documents", stats.documents)

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the query service running?")
		return false
	}
	return true
}

func printEndpoint(name string, s *endpointStats) {
	s.mu.Lock()
	latencies := slices.Clone(s.latencies)
	codes := make([]int, 0, len(s.codes))
	for code := range s.codes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	counts := make([]int64, len(codes))
	for i, code := range codes {
		counts[i] = s.codes[code]
	}
	s.mu.Unlock()

	fmt.Println()
	fmt.Printf("=== %s ===\n", name)
	fmt.Printf("Requests: %d  Errors: %d\n", s.requests.Load(), s.errors.Load())
	if len(latencies) > 0 {
		slices.Sort(latencies)
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", sum/time.Duration(len(latencies)))
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}
	for i, code := range codes {
		fmt.Printf("  %d: %d\n", code, counts[i])
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
