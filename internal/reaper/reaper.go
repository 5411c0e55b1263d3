// Copyright 2025 James Ross
// Package reaper recovers work abandoned by a dead worker or a node
// that dropped offline mid-job. It runs two independent sweeps: a
// timer-driven scan of every processing list (a worker process that
// crashed leaves its in-flight entries stranded there, never acked or
// retried) and a listener on the Node Fleet Manager's failure channel
// (a node going offline orphans whatever jobs it was running).
package reaper

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/nodefleet"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
)

type Reaper struct {
	cfg   *config.Config
	rdb   *redis.Client
	q     *queue.Queue
	store *jobstore.Store
	nodes *nodefleet.Manager
	log   *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, q *queue.Queue, store *jobstore.Store, nodes *nodefleet.Manager, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, rdb: rdb, q: q, store: store, nodes: nodes, log: log}
}

// Run blocks until ctx is done, driving both sweeps concurrently.
func (r *Reaper) Run(ctx context.Context) {
	go r.watchNodeFailures(ctx)

	interval := r.cfg.Reaper.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepStaleWorkers(ctx)
		}
	}
}

// sweepStaleWorkers finds every worker's processing list and requeues
// entries older than Reaper.StaleAfter. A dead worker's list just sits
// there forever otherwise, since only that worker would normally Ack
// or retry its own entries.
func (r *Reaper) sweepStaleWorkers(ctx context.Context) {
	prefix := r.cfg.Queue.KeyPrefix + ":processing:"
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, key := range keys {
			workerID := strings.TrimPrefix(key, prefix)
			n, err := r.q.RequeueStale(ctx, workerID, r.cfg.Reaper.StaleAfter)
			if err != nil {
				r.log.Warn("requeue stale failed", obs.String("worker_id", workerID), obs.Err(err))
				continue
			}
			if n > 0 {
				obs.ReaperRecovered.Add(float64(n))
				r.log.Warn("requeued abandoned jobs", obs.String("worker_id", workerID), obs.Int("count", n))
			}
		}
		if cursor == 0 {
			return
		}
	}
}

// watchNodeFailures reacts to a node going offline by requeuing every
// job it had in flight, rather than waiting for the assigned worker to
// notice through its own HTTP calls timing out.
func (r *Reaper) watchNodeFailures(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.nodes.Failures():
			if !ok {
				return
			}
			r.recoverOrphanedJobs(ctx, ev)
		}
	}
}

func (r *Reaper) recoverOrphanedJobs(ctx context.Context, ev nodefleet.FailureEvent) {
	for _, jobID := range ev.JobIDs {
		job, err := r.store.ReadByID(ctx, jobID)
		if err != nil {
			r.log.Warn("failure recovery: job lookup failed", obs.String("job_id", jobID), obs.Err(err))
			continue
		}
		if job.Status != jobstore.StatusProcessing {
			continue // already resolved by its worker
		}

		queued := jobstore.StatusQueued
		if err := r.store.UpdateStatus(ctx, jobID, jobstore.Patch{Status: &queued, AssignedNodeID: strPtr("")}); err != nil {
			r.log.Error("failure recovery: mark queued failed", obs.String("job_id", jobID), obs.Err(err))
			continue
		}
		if err := r.q.Enqueue(ctx, queue.NewJob(jobID, job.Kind, job.Priority, "", "")); err != nil {
			r.log.Error("failure recovery: enqueue failed", obs.String("job_id", jobID), obs.Err(err))
			continue
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("recovered job from offline node", obs.String("job_id", jobID), obs.String("node_id", ev.NodeID))
	}
}

func strPtr(s string) *string { return &s }
