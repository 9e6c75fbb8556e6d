package producer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/MorrisSimons/podcast-transcriber/internal/config"
	"github.com/MorrisSimons/podcast-transcriber/internal/job"
	"github.com/MorrisSimons/podcast-transcriber/internal/queue"
)

type fakeScanner struct {
	keys []string
	idx  int
}

func (f *fakeScanner) Next(ctx context.Context) (string, bool) {
	if f.idx >= len(f.keys) {
		return "", false
	}
	k := f.keys[f.idx]
	f.idx++
	return k, true
}

func (f *fakeScanner) Err() error { return nil }

type fakeStore struct {
	keys           []string
	haveTranscript map[string]bool
}

func (f *fakeStore) List(ctx context.Context, prefix string) Scanner {
	return &fakeScanner{keys: f.keys}
}

func (f *fakeStore) Head(ctx context.Context, key string) (bool, error) {
	return f.haveTranscript[key], nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{RedisURL: "redis://" + mr.Addr(), Stream: "podcast:queue", Group: "workers"}
	q, err := queue.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRunEnqueuesOnlyMissingTranscripts(t *testing.T) {
	store := &fakeStore{
		keys: []string{
			"p/e1/e1.mp3", "p/e1/e1.txt", // transcript key, not audio, ignored
			"p/e2/e2.mp3",
			"p/e3/e3.wav",
			"p/e4/e4.mp3", // already has a transcript
		},
		haveTranscript: map[string]bool{"p/e4/e4.txt": true},
	}
	q := newTestQueue(t)
	p := New(store, q, 24*time.Hour)

	res, err := p.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 4, res.Scanned) // e1, e2, e3, e4 are audio keys; e1.txt isn't
	require.Equal(t, 2, res.Enqueued)

	msgs, _, err := q.Read(context.Background(), "worker-1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	keys := make([]job.Key, len(msgs))
	for i, m := range msgs {
		keys[i] = m.Key
	}
	require.ElementsMatch(t, []job.Key{"p/e2/e2.mp3", "p/e3/e3.wav"}, keys)
}

func TestSecondImmediatePassEnqueuesNothing(t *testing.T) {
	store := &fakeStore{keys: []string{"p/e1/e1.mp3"}, haveTranscript: map[string]bool{}}
	q := newTestQueue(t)
	p := New(store, q, 24*time.Hour)

	res1, err := p.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, res1.Enqueued)

	res2, err := p.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 0, res2.Enqueued)
}
