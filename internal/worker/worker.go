// Copyright 2025 James Ross
// Package worker runs the pool of goroutines that dequeue jobs and drive
// them through the execution driver, per spec.md §4.H.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/executor"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
)

// cancelRegistry tracks the cancel func for every job currently being
// driven, so a client-initiated cancel of an in-flight job can unwind
// the bridging loop promptly instead of waiting for it to finish.
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *cancelRegistry) register(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[jobID] = cancel
}

func (r *cancelRegistry) unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, jobID)
}

// Cancel satisfies internal/api's Canceler interface.
func (r *cancelRegistry) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[jobID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Pool is the Worker Pool: one goroutine group per job kind, each group
// sized by config.Worker.CountPerKind.
type Pool struct {
	cfg      *config.Config
	queue    *queue.Queue
	store    *jobstore.Store
	driver   *executor.Driver
	log      *zap.Logger
	registry *cancelRegistry
	baseID   string
}

// New builds a Pool. The driver is expected to already be wired with its
// node manager, balancer, template registry, and parameter engine.
func New(cfg *config.Config, q *queue.Queue, store *jobstore.Store, driver *executor.Driver, log *zap.Logger) *Pool {
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Pool{
		cfg:      cfg,
		queue:    q,
		store:    store,
		driver:   driver,
		log:      log,
		registry: newCancelRegistry(),
		baseID:   base,
	}
}

// Cancel requests that the in-flight run of jobID unwind its bridging
// loop. It reports false if no worker currently holds that job.
func (p *Pool) Cancel(jobID string) bool {
	return p.registry.Cancel(jobID)
}

// Run starts every kind's worker group and blocks until ctx is done and
// every worker has exited.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for kind, count := range p.cfg.Worker.CountPerKind {
		for i := 0; i < count; i++ {
			wg.Add(1)
			workerID := fmt.Sprintf("%s-%s-%d", p.baseID, kind, i)
			go func(kind, workerID string) {
				defer wg.Done()
				obs.WorkerActive.WithLabelValues(kind).Inc()
				defer obs.WorkerActive.WithLabelValues(kind).Dec()
				p.runOne(ctx, kind, workerID)
			}(kind, workerID)
		}
	}
	wg.Wait()
	return nil
}

func (p *Pool) runOne(ctx context.Context, kind, workerID string) {
	for ctx.Err() == nil {
		qjob, ok, err := p.queue.Dequeue(ctx, kind, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("dequeue error", zap.String("kind", kind), zap.Error(err))
			time.Sleep(p.cfg.Worker.Backoff.Base)
			continue
		}
		if !ok {
			continue // bpop timeout, no job on this partition
		}
		obs.JobsDequeued.WithLabelValues(kind).Inc()
		p.handle(ctx, kind, workerID, qjob)
	}
}

// handle carries one dequeued job through the seven steps of spec.md
// §4.H: read, status check, transition, execute, finalize, release, ack.
func (p *Pool) handle(ctx context.Context, kind, workerID string, qjob queue.Job) {
	payload, _ := qjob.Marshal()
	ack := func() { _ = p.queue.Ack(ctx, workerID, payload) }

	job, err := p.store.ReadByID(ctx, qjob.JobID)
	if err != nil {
		p.log.Error("job store lookup failed", zap.String("job_id", qjob.JobID), zap.Error(err))
		ack()
		return
	}

	if job.Status != jobstore.StatusQueued {
		// Cancelled (or otherwise advanced) while it sat on the queue;
		// the dequeuing worker acks and moves on without executing.
		ack()
		return
	}

	now := time.Now().UTC()
	processing := jobstore.StatusProcessing
	if err := p.store.UpdateStatus(ctx, job.JobID, jobstore.Patch{Status: &processing, StartedAt: &now}); err != nil {
		p.log.Error("mark processing failed", zap.String("job_id", job.JobID), zap.Error(err))
		ack()
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	p.registry.register(job.JobID, cancel)

	start := time.Now()
	runErr := p.driver.Run(jobCtx, job)
	obs.JobExecutionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	p.registry.unregister(job.JobID)
	cancel()
	ack()

	if runErr == nil {
		completedAt := time.Now().UTC()
		completed := jobstore.StatusCompleted
		progress := 100.0
		if err := p.store.UpdateStatus(ctx, job.JobID, jobstore.Patch{Status: &completed, CompletedAt: &completedAt, Progress: &progress}); err != nil {
			p.log.Error("mark completed failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
		obs.JobsCompleted.WithLabelValues(kind).Inc()
		p.log.Info("job completed", zap.String("job_id", job.JobID), zap.String("kind", kind))
		return
	}

	if jobCtx.Err() == context.Canceled && ctx.Err() == nil {
		// Cancelled mid-flight by a client; CancelJob already wrote the
		// terminal status, nothing further to record here.
		p.log.Info("job cancelled mid-flight", zap.String("job_id", job.JobID))
		return
	}

	jobErr, retriable := classifyFailure(runErr)
	obs.JobsFailed.WithLabelValues(kind, jobErr.Kind).Inc()

	if retriable && qjob.Retries+1 < p.cfg.Queue.MaxSubmitAttempts {
		qjob.Retries++
		bo := backoff(qjob.Retries, p.cfg.Worker.Backoff.Base, p.cfg.Worker.Backoff.Max)
		select {
		case <-ctx.Done():
		case <-time.After(bo):
		}
		queued := jobstore.StatusQueued
		if err := p.store.UpdateStatus(ctx, job.JobID, jobstore.Patch{Status: &queued}); err != nil {
			p.log.Error("revert to queued failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
		if err := p.queue.Enqueue(ctx, qjob); err != nil {
			p.log.Error("retry enqueue failed", zap.String("job_id", job.JobID), zap.Error(err))
		} else {
			p.log.Warn("job retried", zap.String("job_id", job.JobID), zap.Int("retries", qjob.Retries))
		}
		return
	}

	failed := jobstore.StatusFailed
	completedAt := time.Now().UTC()
	if err := p.store.UpdateStatus(ctx, job.JobID, jobstore.Patch{Status: &failed, CompletedAt: &completedAt, Error: jobErr}); err != nil {
		p.log.Error("mark failed failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
	p.log.Error("job failed", zap.String("job_id", job.JobID), zap.String("error_kind", jobErr.Kind), zap.String("message", jobErr.Message))
}

// classifyFailure maps a driver error onto the job store's error record
// and reports whether the step is worth retrying.
func classifyFailure(err error) (*jobstore.JobError, bool) {
	var f *executor.Failure
	if errors.As(err, &f) {
		kind := string(f.Kind)
		if f.Kind == executor.KindParams {
			kind = "validation" // resolved asynchronously, but same taxonomy entry as a pre-flight validation error
		}
		return &jobstore.JobError{Kind: kind, Message: f.Message}, f.Kind.Retriable()
	}
	return &jobstore.JobError{Kind: "internal", Message: err.Error()}, false
}

func backoff(retries int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(retries-1)) * base
	if d <= 0 || d > max {
		return max
	}
	return d
}
