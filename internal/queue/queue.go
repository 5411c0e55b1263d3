// Copyright 2025 James Ross
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/redis/go-redis/v9"
)

// Queue is the FIFO-with-priority, job-kind-partitioned dispatch queue
// between the HTTP intake and the Worker Pool. Enqueue always goes to
// Redis when reachable; Dequeue falls back to an in-process buffer when
// Redis is unreachable so a single-node deployment keeps making progress
// in a degraded mode rather than stalling.
type Queue struct {
	cfg    *config.Config
	rdb    *redis.Client
	prefix string

	mu       sync.Mutex
	degraded bool
	fallback map[string][]Job // key -> FIFO buffer, used only while degraded
}

// New builds a Queue bound to the given Redis client.
func New(cfg *config.Config, rdb *redis.Client) *Queue {
	return &Queue{
		cfg:      cfg,
		rdb:      rdb,
		prefix:   cfg.Queue.KeyPrefix,
		fallback: make(map[string][]Job),
	}
}

// Enqueue pushes a job onto its kind/priority-class partition. On Redis
// error it buffers the job in-process and marks the queue degraded so
// Dequeue callers know to drain the buffer first.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	key := Key(q.prefix, job.Kind, priorityClass(job.Priority))
	payload, err := job.Marshal()
	if err != nil {
		return err
	}

	if err := q.rdb.LPush(ctx, key, payload).Err(); err != nil {
		q.mu.Lock()
		q.degraded = true
		q.fallback[key] = append(q.fallback[key], job)
		q.mu.Unlock()
		return nil
	}

	q.mu.Lock()
	q.degraded = false
	q.mu.Unlock()
	return nil
}

// Dequeue waits up to the configured bpop timeout on the kind's
// high-priority partition and, if that stays empty, up to the same
// timeout again on the normal partition. It drains
// the in-process fallback buffer before touching Redis so jobs accepted
// during an outage are not starved once Redis recovers.
func (q *Queue) Dequeue(ctx context.Context, kind, workerID string) (Job, bool, error) {
	if job, ok := q.popFallback(kind); ok {
		return job, true, nil
	}

	keys := make([]string, 0, len(Classes))
	for _, class := range Classes {
		keys = append(keys, Key(q.prefix, kind, class))
	}
	dest := ProcessingKey(q.prefix, workerID)

	res, err := q.rdb.BRPopLPush(ctx, keys[0], dest, q.cfg.Queue.BPopTimeout).Result()
	if err == redis.Nil {
		// High class empty for this wait window; give the normal class a turn.
		res, err = q.rdb.BRPopLPush(ctx, keys[1], dest, q.cfg.Queue.BPopTimeout).Result()
	}
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}

	job, err := UnmarshalJob(res)
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// Ack removes a job from its worker's processing list once handling is
// complete, successfully or not.
func (q *Queue) Ack(ctx context.Context, workerID, payload string) error {
	return q.rdb.LRem(ctx, ProcessingKey(q.prefix, workerID), 1, payload).Err()
}

// Degraded reports whether the last Enqueue fell back to the in-process
// buffer because Redis was unreachable.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

func (q *Queue) popFallback(kind string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, class := range Classes {
		key := Key(q.prefix, kind, class)
		buf := q.fallback[key]
		if len(buf) == 0 {
			continue
		}
		job := buf[0]
		q.fallback[key] = buf[1:]
		return job, true
	}
	return Job{}, false
}

// Len reports the Redis-side length of one kind/class partition.
func (q *Queue) Len(ctx context.Context, kind, class string) (int64, error) {
	return q.rdb.LLen(ctx, Key(q.prefix, kind, class)).Result()
}

// RequeueStale scans a worker's processing list for entries older than
// the given deadline and pushes them back onto the head of
// their original partition. It is invoked by the reaper on a timer, not
// by workers themselves, since a dead worker cannot requeue its own work.
func (q *Queue) RequeueStale(ctx context.Context, workerID string, deadline time.Duration) (int, error) {
	procKey := ProcessingKey(q.prefix, workerID)
	entries, err := q.rdb.LRange(ctx, procKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, payload := range entries {
		job, err := UnmarshalJob(payload)
		if err != nil {
			continue
		}
		created, err := time.Parse(time.RFC3339Nano, job.CreationTime)
		if err == nil && time.Since(created) < deadline {
			continue
		}
		key := Key(q.prefix, job.Kind, priorityClass(job.Priority))
		if err := q.rdb.LPush(ctx, key, payload).Err(); err != nil {
			continue
		}
		if err := q.rdb.LRem(ctx, procKey, 1, payload).Err(); err != nil {
			continue
		}
		requeued++
	}
	return requeued, nil
}
