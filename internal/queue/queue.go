// Package queue adapts the broker to Redis Streams via
// github.com/redis/go-redis/v9: stream append, consumer-group read,
// ack, stale-entry reclaim, plus the SETNX-with-TTL primitive backing
// locks and dedup entries.
package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MorrisSimons/podcast-transcriber/internal/config"
	"github.com/MorrisSimons/podcast-transcriber/internal/errs"
	"github.com/MorrisSimons/podcast-transcriber/internal/job"
)

// ProcessedCounter is the observability counter incremented after every
// successful transcription.
const ProcessedCounter = "podcast:processed_count"

// Queue wraps a redis.Client bound to one stream/group pair.
type Queue struct {
	rdb    *redis.Client
	stream string
	group  string
}

// New connects to Redis per cfg.RedisURL and ensures the consumer group
// exists, treating "BUSYGROUP" (group already exists) as success so
// creation stays idempotent across worker restarts.
func New(ctx context.Context, cfg *config.Config) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, &errs.ConfigError{Var: "REDIS_URL", Err: err}
	}

	if cfg.RedisTLSCAFile != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(cfg.RedisTLSCAFile)
		if err != nil {
			return nil, &errs.ConfigError{Var: "REDIS_TLS_CA_FILE", Err: err}
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &errs.ConfigError{Var: "REDIS_TLS_CA_FILE", Err: errors.New("no certificates parsed")}
		}
		opts.TLSConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, &errs.BrokerError{Op: "ping", Err: err}
	}

	q := &Queue{rdb: rdb, stream: cfg.Stream, group: cfg.Group}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return &errs.BrokerError{Op: "xgroup-create", Err: err}
	}
	return nil
}

// Close releases the underlying connection pool.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

// Ping reports whether the broker connection is alive, used by the
// supervisor's /readyz probe.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return &errs.BrokerError{Op: "ping", Err: err}
	}
	return nil
}

// Append adds key to the stream with a server-assigned id, returning
// that id.
func (q *Queue) Append(ctx context.Context, key job.Key) (string, error) {
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"key": string(key)},
	}).Result()
	if err != nil {
		return "", &errs.BrokerError{Op: "xadd", Err: err}
	}
	return id, nil
}

// Read blocks (up to blockMs, 0 meaning indefinitely) for up to count
// undelivered messages for this group, extracting the job key from each
// entry's "key" field. A message whose fields don't carry a usable key
// is reported as a poison message rather than failing the whole read.
func (q *Queue) Read(ctx context.Context, consumer string, count int64, blockMs time.Duration) ([]job.Message, []error, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    blockMs,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, nil
		}
		return nil, nil, &errs.BrokerError{Op: "xreadgroup", Err: err}
	}

	var msgs []job.Message
	var poison []error
	for _, stream := range res {
		for _, entry := range stream.Messages {
			msg, perr := toMessage(entry)
			if perr != nil {
				poison = append(poison, perr)
				continue
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs, poison, nil
}

func toMessage(entry redis.XMessage) (job.Message, error) {
	raw, ok := entry.Values["key"]
	if !ok {
		return job.Message{}, &errs.PoisonMessage{Raw: entry.ID, Reason: "missing key field"}
	}
	key, ok := raw.(string)
	if !ok || key == "" {
		return job.Message{}, &errs.PoisonMessage{Raw: entry.ID, Reason: "key field not a non-empty string"}
	}
	return job.Message{QueueID: entry.ID, Key: job.Key(key)}, nil
}

// Ack acknowledges a delivered message id.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		return &errs.BrokerError{Op: "xack", Err: err}
	}
	return nil
}

// Reclaim claims messages idle for at least minIdle, reassigning them
// to consumer (xautoclaim from "0-0", bounded count).
func (q *Queue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]job.Message, []error, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, nil, &errs.BrokerError{Op: "xautoclaim", Err: err}
	}

	var out []job.Message
	var poison []error
	for _, entry := range msgs {
		m, perr := toMessage(entry)
		if perr != nil {
			poison = append(poison, perr)
			continue
		}
		out = append(out, m)
	}
	return out, poison, nil
}

// DeliveryCount returns how many times a pending message has been
// delivered, used to distinguish a genuinely stuck job from one worth
// quarantining as poison after repeated failed redeliveries.
func (q *Queue) DeliveryCount(ctx context.Context, id string) (int64, error) {
	res, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, &errs.BrokerError{Op: "xpending", Err: err}
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0].RetryCount, nil
}

// SetIfAbsent is a set-if-absent-with-TTL, used for both the per-key
// transcription lock and the producer's dedup entries.
func (q *Queue) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, &errs.BrokerError{Op: "setnx", Err: err}
	}
	return ok, nil
}

// Delete removes a key, used to release a lock once a job completes or
// is abandoned.
func (q *Queue) Delete(ctx context.Context, key string) error {
	if err := q.rdb.Del(ctx, key).Err(); err != nil {
		return &errs.BrokerError{Op: "del", Err: err}
	}
	return nil
}

// Incr increments a counter, used for the processed-jobs observability
// metric.
func (q *Queue) Incr(ctx context.Context, key string) error {
	if err := q.rdb.Incr(ctx, key).Err(); err != nil {
		return &errs.BrokerError{Op: "incr", Err: err}
	}
	return nil
}

// LockKey is the broker key guarding one transcript key.
func LockKey(transcriptKey job.Key) string {
	return "lock:transcribe:" + string(transcriptKey)
}

// DedupKey is the per-audio-key producer dedup name.
func DedupKey(key job.Key) string {
	return "queue:dedup:" + string(key)
}
