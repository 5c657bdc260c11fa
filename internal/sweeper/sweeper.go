// Copyright 2025 James Ross
package sweeper

import (
	"context"
	"time"

	"github.com/plivo/sharq/internal/config"
	"github.com/plivo/sharq/internal/obs"
	"github.com/plivo/sharq/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sweeper is the background process that reclaims jobs whose in-flight
// lease expired without a matching Finish call. Discarding an exhausted
// job inline inside the atomic requeue script would make that script's
// worst case unbounded in the number of expired jobs found in one pass;
// returning a bounded list to the caller and issuing a per-job finish
// here keeps each Lua invocation's tail latency predictable.
type Sweeper struct {
	engine   *queue.Engine
	rdb      *redis.Client
	prefix   string
	interval time.Duration
	log      *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, engine *queue.Engine, log *zap.Logger) *Sweeper {
	return &Sweeper{
		engine:   engine,
		rdb:      rdb,
		prefix:   cfg.Sharq.KeyPrefix,
		interval: cfg.Sharq.SweepInterval,
		log:      log,
	}
}

// Run ticks at the configured sweep interval until ctx is cancelled,
// calling Sweep on each tick and logging (but not propagating) any
// per-tick error so a transient backend hiccup doesn't kill the loop.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn("sweep failed", obs.Err(err))
			}
		}
	}
}

// Sweep walks every queue_type with in-flight jobs and requeues or
// discards whatever lease has expired.
func (s *Sweeper) Sweep(ctx context.Context) error {
	queueTypes, err := s.rdb.SMembers(ctx, s.prefix+":active:queue_type").Result()
	if err != nil {
		return err
	}
	for _, qt := range queueTypes {
		if err := s.sweepQueueType(ctx, qt); err != nil {
			s.log.Warn("sweep queue_type failed", obs.String("queue_type", qt), obs.Err(err))
		}
	}
	return nil
}

func (s *Sweeper) sweepQueueType(ctx context.Context, queueType string) error {
	discards, err := s.engine.Requeue(ctx, queueType)
	if err != nil {
		return err
	}
	if len(discards) > 0 {
		obs.RequeueDiscardTotal.WithLabelValues(queueType).Add(float64(len(discards)))
		obs.SweeperDiscarded.Add(float64(len(discards)))
	}
	for _, d := range discards {
		finished, err := s.engine.Finish(ctx, queueType, d.QueueID, d.JobID)
		if err != nil {
			s.log.Error("failed to finish exhausted job", obs.String("queue_type", queueType),
				obs.String("queue_id", d.QueueID), obs.String("job_id", d.JobID), obs.Err(err))
			continue
		}
		if finished {
			s.log.Info("discarded exhausted job", obs.String("queue_type", queueType),
				obs.String("queue_id", d.QueueID), obs.String("job_id", d.JobID))
		}
	}
	return nil
}
