// Package lifecycle implements the per-message controller: head-check,
// lock acquisition, download, transcribe, upload, ack, lock release.
// The scheduler calls the Prepare/Download/Finish steps individually so
// it can overlap downloads with inference across a whole prefetch
// window; ProcessOne runs the full sequence for the single-file path.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MorrisSimons/podcast-transcriber/internal/asr"
	"github.com/MorrisSimons/podcast-transcriber/internal/cache"
	"github.com/MorrisSimons/podcast-transcriber/internal/errs"
	"github.com/MorrisSimons/podcast-transcriber/internal/job"
	"github.com/MorrisSimons/podcast-transcriber/internal/queue"
	"github.com/MorrisSimons/podcast-transcriber/pkg/logger"
)

// Store is the subset of the object store port the controller needs:
// head-check, download (via the cache's Getter contract), and upload.
type Store interface {
	Head(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key, localPath string) error
	Put(ctx context.Context, key, localPath string) error
}

// Queue is the subset of the broker port the controller needs.
type Queue interface {
	Ack(ctx context.Context, id string) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) error
	DeliveryCount(ctx context.Context, id string) (int64, error)
}

// Engine is the subset of the model runner port the controller needs.
type Engine interface {
	TranscribeOne(ctx context.Context, path string) (asr.Result, error)
}

// PrepareOutcome classifies what Prepare decided for a message.
type PrepareOutcome int

const (
	// PrepareReady means the lock was acquired; entry is usable.
	PrepareReady PrepareOutcome = iota
	// PrepareAlreadyDone means the transcript already existed; the
	// message has already been acked.
	PrepareAlreadyDone
	// PrepareLockDenied means a peer holds the lock; the caller must
	// not ack, leaving the duplicate for the broker's own redelivery.
	PrepareLockDenied
	// PrepareQuarantined means the message exceeded the maximum
	// delivery count and was acked and dead-lettered.
	PrepareQuarantined
)

// Controller wires the store, broker, cache, and engine ports together.
// One Controller is shared by every concurrent path in a worker process
// (single-file, batch scheduler, recovery loop).
type Controller struct {
	store         Store
	q             Queue
	cache         *cache.Cache
	engine        Engine
	consumerID    string
	lockTTL       time.Duration
	maxDeliveries int
}

// New builds a Controller from its ports and the per-process tunables
// that affect locking and poison quarantine.
func New(store Store, q Queue, c *cache.Cache, engine Engine, consumerID string, lockTTL time.Duration, maxDeliveries int) *Controller {
	return &Controller{
		store:         store,
		q:             q,
		cache:         c,
		engine:        engine,
		consumerID:    consumerID,
		lockTTL:       lockTTL,
		maxDeliveries: maxDeliveries,
	}
}

// Quarantine acks a message and dead-letter-logs it, used both for
// malformed messages (missing key field, caught at the queue adapter
// boundary) and for messages that exceeded the maximum delivery count.
func (c *Controller) Quarantine(ctx context.Context, id, raw, reason string) error {
	logger.JobPoisoned(raw, reason)
	if err := c.q.Ack(ctx, id); err != nil {
		return &errs.BrokerError{Op: "ack-poison", Err: err}
	}
	return nil
}

// Prepare runs the delivery-count check, the skip-if-done check, then
// lock acquisition. A non-nil error with PrepareReady means the
// head-check or the lock adapter itself failed (fatal for this job: no
// ack, no release, TTL recovers it later); with PrepareAlreadyDone or
// PrepareQuarantined it means the ack failed.
func (c *Controller) Prepare(ctx context.Context, msg job.Message) (*job.Entry, PrepareOutcome, error) {
	if c.maxDeliveries > 0 {
		if n, err := c.q.DeliveryCount(ctx, msg.QueueID); err == nil && n >= int64(c.maxDeliveries) {
			reason := fmt.Sprintf("exceeded %d deliveries", c.maxDeliveries)
			err := c.Quarantine(ctx, msg.QueueID, string(msg.Key), reason)
			return nil, PrepareQuarantined, err
		}
	}

	tKey := job.TranscriptKeyFor(msg.Key)
	exists, err := c.store.Head(ctx, string(tKey))
	if err != nil {
		return nil, PrepareReady, err
	}
	if exists {
		if err := c.q.Ack(ctx, msg.QueueID); err != nil {
			return nil, PrepareAlreadyDone, &errs.BrokerError{Op: "ack-already-done", Err: err}
		}
		logger.JobSkippedDone(string(msg.Key))
		return nil, PrepareAlreadyDone, nil
	}

	lockKey := queue.LockKey(tKey)
	got, err := c.q.SetIfAbsent(ctx, lockKey, c.consumerID, c.lockTTL)
	if err != nil {
		return nil, PrepareReady, &errs.BrokerError{Op: "lock-acquire", Err: err}
	}
	if !got {
		return nil, PrepareLockDenied, nil
	}
	logger.JobLocked(string(msg.Key), c.consumerID)

	entry := job.NewEntry(msg, c.consumerID, c.cache.AudioPath(msg.Key), c.cache.OutputPath(msg.Key))
	return entry, PrepareReady, nil
}

// Download fetches the audio file into the cache, no-op if already
// staged. A non-nil error leaves entry.DownloadErr set so the
// scheduler can decide to abandon it without aborting sibling entries.
func (c *Controller) Download(ctx context.Context, entry *job.Entry) error {
	entry.State = job.StateDownloading
	start := time.Now()
	if err := cache.DownloadIfNeeded(ctx, c.store, entry.Key, entry.LocalAudioPath); err != nil {
		entry.DownloadErr = err
		entry.State = job.StateFailed
		return err
	}
	entry.State = job.StateReady
	logger.JobDownloaded(string(entry.Key), time.Since(start))
	return nil
}

// Abandon releases entry's lock and logs the reason. Download, model,
// and batch failures are non-fatal: they never ack, they always release
// the lock so the broker's redelivery can try again (or another worker
// can, once the lock TTL expires).
func (c *Controller) Abandon(ctx context.Context, entry *job.Entry, reason string, err error) {
	entry.State = job.StateFailed
	if derr := c.q.Delete(ctx, queue.LockKey(entry.TranscriptKey)); derr != nil {
		logger.Error("failed to release lock after abandon", "key", string(entry.TranscriptKey), "error", derr.Error())
	}
	logger.JobAbandoned(string(entry.Key), reason, err)
}

// Finish writes the concatenated transcript, uploads it (advisory
// head-check to skip a needless PUT), acks, increments the processed
// counter, then releases the lock. Ack is only ever reached after the
// upload call returns successfully, preserving the ack-after-upload
// invariant.
func (c *Controller) Finish(ctx context.Context, entry *job.Entry, result asr.Result) error {
	entry.State = job.StateUploading
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(entry.LocalOutputPath), 0o755); err != nil {
		werr := &errs.StoreError{Op: "finish", Key: string(entry.TranscriptKey), Sub: "mkdir", Err: err}
		c.Abandon(ctx, entry, "create output dir failed", werr)
		return werr
	}
	text := result.Text()
	if err := os.WriteFile(entry.LocalOutputPath, []byte(text), 0o644); err != nil {
		werr := &errs.StoreError{Op: "finish", Key: string(entry.TranscriptKey), Sub: "write", Err: err}
		c.Abandon(ctx, entry, "write transcript failed", werr)
		return werr
	}

	// Advisory only: put is still idempotent if two workers race here,
	// since equal transcripts are an acceptable overwrite of the same
	// logical result; the check exists purely to avoid a needless PUT.
	exists, err := c.store.Head(ctx, string(entry.TranscriptKey))
	if err != nil {
		c.Abandon(ctx, entry, "head before upload failed", err)
		return err
	}
	if !exists {
		if err := c.store.Put(ctx, string(entry.TranscriptKey), entry.LocalOutputPath); err != nil {
			c.Abandon(ctx, entry, "upload failed", err)
			return err
		}
	}
	logger.JobUploaded(string(entry.Key), string(entry.TranscriptKey))
	logger.JobTranscribed(string(entry.Key), time.Since(start), len(result.Segments))

	if err := c.q.Ack(ctx, entry.QueueID); err != nil {
		aerr := &errs.BrokerError{Op: "ack", Err: err}
		c.Abandon(ctx, entry, "ack failed", aerr)
		return aerr
	}
	if err := c.q.Incr(ctx, queue.ProcessedCounter); err != nil {
		logger.Error("failed to increment processed counter", "error", err.Error())
	}
	entry.State = job.StateDone

	if err := c.q.Delete(ctx, queue.LockKey(entry.TranscriptKey)); err != nil {
		logger.Error("failed to release lock after finish", "key", string(entry.TranscriptKey), "error", err.Error())
	}
	return nil
}

// ProcessOne runs the complete sequence for a single message: the
// scheduler's single-file path (window of exactly one message) and the
// recovery loop both drive messages through here.
func (c *Controller) ProcessOne(ctx context.Context, msg job.Message) error {
	entry, outcome, err := c.Prepare(ctx, msg)
	switch outcome {
	case PrepareAlreadyDone, PrepareQuarantined:
		return err
	case PrepareLockDenied:
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.Download(ctx, entry); err != nil {
		c.Abandon(ctx, entry, "download failed", err)
		return err
	}

	entry.State = job.StateTranscribing
	result, err := c.engine.TranscribeOne(ctx, entry.LocalAudioPath)
	if err != nil {
		werr := &errs.ModelError{Path: entry.LocalAudioPath, Err: err}
		c.Abandon(ctx, entry, "model failed", werr)
		return werr
	}

	return c.Finish(ctx, entry, result)
}
