// Package supervisor wires the adapters and long-running loops of one
// worker process: it creates the consumer group (idempotently, via
// internal/queue), constructs the scheduler and recovery loops, runs
// the liveness/readiness probe server, and installs a shutdown signal
// handler that requests a drain: stop accepting new reads, complete
// locked jobs, release leftover locks, exit non-zero only on abnormal
// exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MorrisSimons/podcast-transcriber/internal/asr"
	"github.com/MorrisSimons/podcast-transcriber/internal/cache"
	"github.com/MorrisSimons/podcast-transcriber/internal/config"
	"github.com/MorrisSimons/podcast-transcriber/internal/lifecycle"
	"github.com/MorrisSimons/podcast-transcriber/internal/producer"
	"github.com/MorrisSimons/podcast-transcriber/internal/queue"
	"github.com/MorrisSimons/podcast-transcriber/internal/recovery"
	"github.com/MorrisSimons/podcast-transcriber/internal/scheduler"
	"github.com/MorrisSimons/podcast-transcriber/internal/store"
	"github.com/MorrisSimons/podcast-transcriber/pkg/logger"
)

// Supervisor owns every adapter and long-running loop for one worker
// process.
type Supervisor struct {
	cfg        *config.Config
	store      *store.Store
	queue      *queue.Queue
	cache      *cache.Cache
	engine     *asr.Engine
	lifecycle  *lifecycle.Controller
	scheduler  *scheduler.Scheduler
	recovery   *recovery.Loop
	consumerID string
	health     *http.Server
}

// consumerID names this process uniquely within the consumer group, so
// pending-entry ownership is traceable to a host and pid.
func consumerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// New wires every adapter and loop from cfg. Any adapter construction
// failure is a ConfigError/BrokerError/StoreError bubbled straight to
// the caller; a ConfigError here aborts process startup.
func New(ctx context.Context, cfg *config.Config) (*Supervisor, error) {
	s, err := store.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	q, err := queue.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	engine, err := asr.NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	id := consumerID()
	lc := lifecycle.New(s, q, c, engine, id, cfg.LockTTL, cfg.MaxDeliveries)
	sched := scheduler.New(q, lc, engine, id, cfg)

	var rec *recovery.Loop
	if cfg.RecoveryEnabled {
		rec = recovery.New(q, lc, id, cfg.ReclaimPeriod, cfg.ReclaimIdle)
	}

	sup := &Supervisor{
		cfg:        cfg,
		store:      s,
		queue:      q,
		cache:      c,
		engine:     engine,
		lifecycle:  lc,
		scheduler:  sched,
		recovery:   rec,
		consumerID: id,
	}
	sup.health = sup.newHealthServer()
	return sup, nil
}

// newHealthServer builds the liveness/readiness probe server container
// orchestrators poll, with gin's own logging silenced in favor of the
// process logger.
func (s *Supervisor) newHealthServer() *http.Server {
	logger.SetGinOutput()
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(logger.GinLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/readyz", func(c *gin.Context) {
		if !s.engine.Running() {
			c.String(http.StatusServiceUnavailable, "model engine not running")
			return
		}
		if err := s.queue.Ping(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, "broker unreachable: %v", err)
			return
		}
		c.Status(http.StatusOK)
	})

	return &http.Server{Addr: s.cfg.HealthAddr, Handler: router}
}

// RunWorker runs the scheduler and (if enabled) recovery loops until a
// shutdown signal or the parent context is canceled, then drains within
// DrainTimeout. It returns the process exit code: 0 for a normal
// shutdown, 2 for a drain timeout.
func (s *Supervisor) RunWorker(parent context.Context) int {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Startup("supervisor", fmt.Sprintf("worker %s starting", s.consumerID))

	go func() {
		if err := s.health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err.Error())
		}
	}()

	schedDone := make(chan error, 1)
	go func() { schedDone <- s.scheduler.Run(ctx) }()

	if s.recovery != nil {
		go s.recovery.Run(ctx)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight work", "timeout", s.cfg.DrainTimeout.String())

	select {
	case <-schedDone:
		logger.Info("scheduler drained cleanly")
	case <-time.After(s.cfg.DrainTimeout):
		logger.Error("drain timeout exceeded, exiting anyway")
		s.shutdownHealthServer()
		return 2
	}

	s.shutdownHealthServer()
	logger.Info("worker exited")
	return 0
}

func (s *Supervisor) shutdownHealthServer() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.health.Shutdown(shutdownCtx)
}

// RunEnqueueMissing runs the producer once and returns its scan result.
func (s *Supervisor) RunEnqueueMissing(ctx context.Context, prefix string) (producer.Result, error) {
	p := producer.New(producer.WrapStore(s.store), s.queue, s.cfg.DedupTTL)
	return p.Run(ctx, prefix)
}

// Close releases every adapter's resources. Safe to call once, after
// RunWorker/RunEnqueueMissing return.
func (s *Supervisor) Close() error {
	_ = s.engine.Stop()
	return s.queue.Close()
}
