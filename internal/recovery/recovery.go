// Package recovery reclaims messages idle beyond a threshold from
// crashed consumers on a coarse timer, feeding them through the
// standard lifecycle path. The loop is entirely disableable
// (RECOVERY_ENABLED=false) for deployments that prefer to rely on the
// broker's natural redelivery instead.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/MorrisSimons/podcast-transcriber/internal/errs"
	"github.com/MorrisSimons/podcast-transcriber/internal/job"
	"github.com/MorrisSimons/podcast-transcriber/internal/lifecycle"
	"github.com/MorrisSimons/podcast-transcriber/pkg/logger"
)

// reclaimCount bounds how many pending entries one sweep claims.
const reclaimCount = 100

// Queue is the subset of the broker port the recovery loop needs.
type Queue interface {
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]job.Message, []error, error)
}

// Loop periodically reclaims and reprocesses pending messages whose
// consumer never acked them, recovering from crashes without operator
// intervention.
type Loop struct {
	queue      Queue
	lifecycle  *lifecycle.Controller
	consumerID string
	period     time.Duration
	idle       time.Duration
}

// New builds a Loop from its ports and the reclaim cadence/threshold
// (RECLAIM_PERIOD_SEC / RECLAIM_IDLE_MS).
func New(q Queue, lc *lifecycle.Controller, consumerID string, period, idle time.Duration) *Loop {
	return &Loop{queue: q, lifecycle: lc, consumerID: consumerID, period: period, idle: idle}
}

// Run ticks on Loop's period until ctx is canceled, reclaiming and
// reprocessing stale pending messages on each tick.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reclaimOnce(ctx)
		}
	}
}

func (l *Loop) reclaimOnce(ctx context.Context) {
	msgs, poison, err := l.queue.Reclaim(ctx, l.consumerID, l.idle, reclaimCount)
	for _, perr := range poison {
		var pm *errs.PoisonMessage
		if errors.As(perr, &pm) {
			_ = l.lifecycle.Quarantine(ctx, pm.Raw, pm.Raw, pm.Reason)
		}
	}
	if err != nil {
		logger.Error("recovery reclaim failed", "error", err.Error())
		return
	}
	if len(msgs) == 0 {
		return
	}

	logger.Info("recovery loop reclaimed stale messages", "count", len(msgs))
	for _, msg := range msgs {
		if err := l.lifecycle.ProcessOne(ctx, msg); err != nil {
			logger.JobAbandoned(string(msg.Key), "reclaimed message failed", err)
		}
	}
}
