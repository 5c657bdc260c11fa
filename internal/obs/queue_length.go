// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/plivo/sharq/internal/config"
	"go.uber.org/zap"
)

// QueueLengths reports the current job-list length of every
// (queue_type, queue_id) pair known to the caller. *queue.Engine
// satisfies it directly and cmd/sharqd passes the engine in; declaring
// the interface here keeps obs from ever needing to import queue.
type QueueLengths interface {
	SampleQueueLengths(ctx context.Context) (map[[2]string]int64, error)
}

// StartQueueLengthUpdater periodically samples every known queue's
// length and publishes it to the QueueLength gauge, labeled by
// queue_type and queue_id.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, src QueueLengths, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				lengths, err := src.SampleQueueLengths(ctx)
				if err != nil {
					log.Debug("queue length sample error", Err(err))
					continue
				}
				for qtqid, n := range lengths {
					QueueLength.WithLabelValues(qtqid[0], qtqid[1]).Set(float64(n))
				}
			}
		}
	}()
}
