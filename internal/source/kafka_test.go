package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/kafka"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		want    corpus.Record
		wantErr bool
	}{
		{
			name:  "full record",
			key:   "19033",
			value: `{"document_id":19033,"title":"Alice","authors":["Carroll, Lewis"],"text":"down the rabbit hole"}`,
			want: corpus.Record{
				Document: corpus.Document{ID: 19033, Title: "Alice", Authors: []string{"Carroll, Lewis"}},
				Text:     "down the rabbit hole",
			},
		},
		{
			name:  "id from key and skip reason",
			key:   "19100",
			value: `{"skip_reason":"no text file"}`,
			want: corpus.Record{
				Document:   corpus.Document{ID: 19100, Authors: []string{}},
				SkipReason: "no text file",
			},
		},
		{name: "bad key", key: "abc", value: `{}`, wantErr: true},
		{name: "no id", value: `{"title":"x"}`, wantErr: true},
		{name: "not json", key: "1", value: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.key), []byte(tt.value))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Decode(nil, []byte(`{"title":"x"}`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestHandlerForwardsAndDropsMalformed(t *testing.T) {
	out := make(chan corpus.Record, 2)
	h := Handler(out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	require.NoError(t, h(ctx, []byte("7"), []byte(`{"text":"whale"}`)))
	require.NoError(t, h(ctx, []byte("x"), []byte(`garbage`)))
	require.Len(t, out, 1)
	assert.Equal(t, int64(7), (<-out).ID)
}

func TestHandlerStopsOnCancel(t *testing.T) {
	out := make(chan corpus.Record)
	h := Handler(out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h(ctx, []byte("7"), []byte(`{"text":"whale"}`))
	assert.ErrorIs(t, err, context.Canceled)
}

// recordingPublisher keeps every batch and fails from call failAt on.
type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]string
	failAt  int
}

func (p *recordingPublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAt > 0 && len(p.batches)+1 >= p.failAt {
		return errors.New("broker unavailable")
	}
	keys := make([]string, len(events))
	for i, e := range events {
		keys[i] = e.Key
	}
	p.batches = append(p.batches, keys)
	return nil
}

// endless feeds records until its context ends, then closes stopped.
func endless(stopped chan<- struct{}) func(context.Context) <-chan corpus.Record {
	return func(ctx context.Context) <-chan corpus.Record {
		out := make(chan corpus.Record)
		go func() {
			defer close(stopped)
			defer close(out)
			for id := int64(1); ; id++ {
				select {
				case out <- corpus.Record{Document: corpus.Document{ID: id}}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}
}

func TestPublishStreamBatches(t *testing.T) {
	p := &recordingPublisher{}
	open := func(context.Context) <-chan corpus.Record {
		ch := make(chan corpus.Record, 5)
		for id := int64(1); id <= 5; id++ {
			ch <- corpus.Record{Document: corpus.Document{ID: id}}
		}
		close(ch)
		return ch
	}
	n, err := PublishStream(context.Background(), p, open, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}, {"5"}}, p.batches)
}

func TestPublishStreamStopsFeederOnError(t *testing.T) {
	p := &recordingPublisher{failAt: 2}
	stopped := make(chan struct{})

	n, err := PublishStream(context.Background(), p, endless(stopped), 3)
	require.Error(t, err)
	assert.Equal(t, 3, n)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("record stream still running after publish error")
	}
}

func TestPublishStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := PublishStream(ctx, &recordingPublisher{}, endless(stopped), 4)
	assert.ErrorIs(t, err, context.Canceled)
	<-stopped
}
