// Package producer implements the enqueuer: a one-shot scan of the
// object store that appends audio keys still missing a transcript to
// the queue, deduplicating against recent enqueues.
package producer

import (
	"context"
	"time"

	"github.com/MorrisSimons/podcast-transcriber/internal/job"
	"github.com/MorrisSimons/podcast-transcriber/internal/queue"
	"github.com/MorrisSimons/podcast-transcriber/internal/store"
	"github.com/MorrisSimons/podcast-transcriber/pkg/logger"
)

// Scanner is a restartable paginated key iterator, matching
// *store.Iterator's method set.
type Scanner interface {
	Next(ctx context.Context) (string, bool)
	Err() error
}

// Store is the subset of the object store port the producer needs.
type Store interface {
	List(ctx context.Context, prefix string) Scanner
	Head(ctx context.Context, key string) (bool, error)
}

// Queue is the subset of the broker port the producer needs.
type Queue interface {
	Append(ctx context.Context, key job.Key) (string, error)
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// storeAdapter bridges *store.Store's concrete *store.Iterator return
// type to the Scanner interface, so the producer depends only on the
// method set it uses and tests can fake it without a live S3 endpoint.
type storeAdapter struct{ s *store.Store }

// WrapStore adapts a live *store.Store for use as a producer Store.
func WrapStore(s *store.Store) Store { return storeAdapter{s: s} }

func (a storeAdapter) List(ctx context.Context, prefix string) Scanner { return a.s.List(ctx, prefix) }
func (a storeAdapter) Head(ctx context.Context, key string) (bool, error) {
	return a.s.Head(ctx, key)
}

// Producer scans the store once, skipping keys that already have a
// transcript or were recently enqueued, and appends the rest.
type Producer struct {
	store    Store
	queue    Queue
	dedupTTL time.Duration
}

// New builds a Producer bound to the store/queue adapters and the
// dedup-entry TTL (default 24h).
func New(s Store, q Queue, dedupTTL time.Duration) *Producer {
	return &Producer{store: s, queue: q, dedupTTL: dedupTTL}
}

// Result reports one scan pass's counts.
type Result struct {
	Scanned  int
	Enqueued int
}

// Run performs one scan-filter-dedup-append pass rooted at prefix. It
// never mutates transcripts or locks, so it is safe to run concurrently
// with workers and with itself: the dedup entry plus the
// transcript-existence check together bound duplicate enqueues.
func (p *Producer) Run(ctx context.Context, prefix string) (Result, error) {
	var res Result
	it := p.store.List(ctx, prefix)

	for {
		key, ok := it.Next(ctx)
		if !ok {
			break
		}
		if !job.IsAudioKey(job.Key(key)) {
			continue
		}
		res.Scanned++

		tKey := job.TranscriptKeyFor(job.Key(key))
		exists, err := p.store.Head(ctx, string(tKey))
		if err != nil {
			logger.Error("producer head check failed", "key", key, "error", err.Error())
			continue
		}
		if exists {
			continue
		}

		dedupOK, err := p.queue.SetIfAbsent(ctx, queue.DedupKey(job.Key(key)), "1", p.dedupTTL)
		if err != nil {
			logger.Error("producer dedup set failed", "key", key, "error", err.Error())
			continue
		}
		if !dedupOK {
			continue
		}

		if _, err := p.queue.Append(ctx, job.Key(key)); err != nil {
			logger.Error("producer append failed", "key", key, "error", err.Error())
			continue
		}
		res.Enqueued++
	}

	if err := it.Err(); err != nil {
		return res, err
	}
	logger.Info("producer scan complete", "scanned", res.Scanned, "enqueued", res.Enqueued, "prefix", prefix)
	return res, nil
}
