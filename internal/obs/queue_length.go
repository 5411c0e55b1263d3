// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples the length of every kind/class partition
// on an interval and updates the queue_length gauge.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := 2 * time.Second

	type partition struct {
		kind, class, key string
	}
	partitions := make([]partition, 0, len(config.JobKinds)*len(queue.Classes))
	for _, kind := range config.JobKinds {
		for _, class := range queue.Classes {
			partitions = append(partitions, partition{kind, class, queue.Key(cfg.Queue.KeyPrefix, kind, class)})
		}
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, p := range partitions {
					n, err := rdb.LLen(ctx, p.key).Result()
					if err != nil {
						log.Debug("queue length poll error", String("queue", p.key), Err(err))
						continue
					}
					QueueLength.WithLabelValues(p.kind, p.class).Set(float64(n))
				}
			}
		}
	}()
}
