// Package scheduler implements the prefetch and batch pipeline: a
// sliding window of downloaded-but-untranscribed jobs, GPU batches
// formed as soon as enough entries are ready, downloads for the next
// window continuing in parallel. Downloads run in a worker pool and
// push to a channel; the inference side pulls from it, so neither
// starves the other.
package scheduler

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MorrisSimons/podcast-transcriber/internal/asr"
	"github.com/MorrisSimons/podcast-transcriber/internal/config"
	"github.com/MorrisSimons/podcast-transcriber/internal/errs"
	"github.com/MorrisSimons/podcast-transcriber/internal/job"
	"github.com/MorrisSimons/podcast-transcriber/internal/lifecycle"
	"github.com/MorrisSimons/podcast-transcriber/pkg/logger"
)

// readBlock is how long one consumer-group read blocks before returning
// empty.
const readBlock = 5 * time.Second

// Queue is the subset of the broker port the scheduler drives directly;
// Prepare/Finish/Abandon go through the lifecycle controller instead.
type Queue interface {
	Read(ctx context.Context, consumer string, count int64, blockMs time.Duration) ([]job.Message, []error, error)
}

// Engine is the model runner's batch entry point.
type Engine interface {
	TranscribeBatch(ctx context.Context, paths []string) []asr.FileResult
}

// Scheduler owns the prefetch window and drives messages from the
// broker through the lifecycle controller, batching inference calls.
type Scheduler struct {
	queue      Queue
	lifecycle  *lifecycle.Controller
	engine     Engine
	consumerID string

	batchSize       int
	downloadWorkers int
	window          int
}

// New sizes the prefetch window to max(batch, batch*multiplier) from
// cfg.
func New(q Queue, lc *lifecycle.Controller, engine Engine, consumerID string, cfg *config.Config) *Scheduler {
	window := cfg.GPUBatchSize * cfg.PrefetchMultiplier
	if window < cfg.GPUBatchSize {
		window = cfg.GPUBatchSize
	}
	return &Scheduler{
		queue:           q,
		lifecycle:       lc,
		engine:          engine,
		consumerID:      consumerID,
		batchSize:       cfg.GPUBatchSize,
		downloadWorkers: cfg.DownloadWorkers,
		window:          window,
	}
}

// Run loops read, prepare, download, batch-submit until ctx is
// canceled. Cancellation stops new consumer reads immediately; any
// batch already underway when ctx is canceled is allowed to finish
// draining before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	// Messages already read are processed under a context that ignores
	// cancellation, so a batch underway completes rather than being cut
	// short; the supervisor's drain timeout bounds how long that takes.
	work := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, poison, err := s.queue.Read(ctx, s.consumerID, int64(s.window), readBlock)
		for _, perr := range poison {
			s.quarantinePoison(ctx, perr)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("consumer read failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		// A window of exactly one message skips the pipeline overhead
		// of the prepare/overlap/batch-submit phases.
		if len(msgs) == 1 {
			if err := s.lifecycle.ProcessOne(work, msgs[0]); err != nil {
				logger.JobAbandoned(string(msgs[0].Key), "single-file path failed", err)
			}
			continue
		}

		s.runBatch(work, msgs)
	}
}

func (s *Scheduler) quarantinePoison(ctx context.Context, err error) {
	var pm *errs.PoisonMessage
	if errors.As(err, &pm) {
		_ = s.lifecycle.Quarantine(ctx, pm.Raw, pm.Raw, pm.Reason)
	}
}

// runBatch runs the prepare, overlap, and batch-submit phases for one
// window of messages.
func (s *Scheduler) runBatch(ctx context.Context, msgs []job.Message) {
	valid := s.prepare(ctx, msgs)
	if len(valid) == 0 {
		return
	}

	ready := s.overlapDownloads(ctx, valid)

	var buf []*job.Entry
	for entry := range ready {
		buf = append(buf, entry)
		if len(buf) >= s.batchSize {
			s.submitBatch(ctx, buf[:s.batchSize])
			buf = buf[s.batchSize:]
		}
	}
	if len(buf) > 0 {
		s.submitBatch(ctx, buf)
	}
}

// prepare runs the skip-if-done and lock-acquisition checks for every
// message in the window: messages already done are acked and dropped,
// messages whose lock is held elsewhere are dropped without ack, and
// the rest become the valid set.
func (s *Scheduler) prepare(ctx context.Context, msgs []job.Message) []*job.Entry {
	valid := make([]*job.Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, outcome, err := s.lifecycle.Prepare(ctx, msg)
		if err != nil {
			logger.JobAbandoned(string(msg.Key), "prepare failed", err)
			continue
		}
		if outcome != lifecycle.PrepareReady {
			continue
		}
		valid = append(valid, entry)
	}
	return valid
}

// overlapDownloads fans entries out to downloadWorkers concurrent
// downloader goroutines, joined with a plain errgroup.Group rather than
// errgroup.WithContext: WithContext cancels every sibling goroutine on
// the first error, which would abort in-flight downloads the moment one
// file fails; a failed download must never take its siblings down with
// it. Entries whose download fails are abandoned immediately (lock
// released, no ack) rather than surfaced to the batch-submit phase,
// since a failed download can never contribute to a transcribe call;
// the worker goroutines always return a nil error to the group for the
// same reason. The returned channel is closed once every entry has
// either reached ready or been abandoned.
func (s *Scheduler) overlapDownloads(ctx context.Context, entries []*job.Entry) <-chan *job.Entry {
	jobs := make(chan *job.Entry)
	ready := make(chan *job.Entry, 2*s.batchSize)

	workers := s.downloadWorkers
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for entry := range jobs {
				if err := s.lifecycle.Download(ctx, entry); err != nil {
					s.lifecycle.Abandon(ctx, entry, "download failed", err)
					continue
				}
				ready <- entry
			}
			return nil
		})
	}

	go func() {
		for _, e := range entries {
			jobs <- e
		}
		close(jobs)
	}()

	go func() {
		_ = g.Wait()
		close(ready)
	}()

	return ready
}

// submitBatch calls the model once for up to GPU_BATCH_SIZE ready
// entries, then finishes each one. A wholesale batch failure surfaces
// as the same error on every FileResult (asr.Engine's contract), so
// every entry in the batch is abandoned identically without
// special-casing it here.
func (s *Scheduler) submitBatch(ctx context.Context, entries []*job.Entry) {
	paths := make([]string, len(entries))
	for i, e := range entries {
		e.State = job.StateTranscribing
		paths[i] = e.LocalAudioPath
	}

	results := s.engine.TranscribeBatch(ctx, paths)
	for i, entry := range entries {
		res := results[i]
		if res.Err != nil {
			werr := &errs.ModelError{Path: entry.LocalAudioPath, Err: res.Err}
			s.lifecycle.Abandon(ctx, entry, "model failed", werr)
			continue
		}
		if err := s.lifecycle.Finish(ctx, entry, res.Result); err != nil {
			logger.JobAbandoned(string(entry.Key), "finish failed", err)
		}
	}
}
