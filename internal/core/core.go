// Copyright 2025 James Ross
// Package core wires every component of the orchestrator together: the
// Job Store, Queue, Template Registry, Parameter Engine, Node Fleet
// Manager, Load Balancer, File Plane, Execution Driver, Worker Pool,
// and the HTTP API that fronts them. cmd/orchestrator constructs a
// Core and drives its lifecycle; nothing here binds to a transport.
package core

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-redis-work-queue/internal/api"
	"github.com/flyingrobots/go-redis-work-queue/internal/balancer"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/executor"
	"github.com/flyingrobots/go-redis-work-queue/internal/fileplane"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/nodefleet"
	"github.com/flyingrobots/go-redis-work-queue/internal/paramengine"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/reaper"
	"github.com/flyingrobots/go-redis-work-queue/internal/redisclient"
	"github.com/flyingrobots/go-redis-work-queue/internal/template"
	"github.com/flyingrobots/go-redis-work-queue/internal/worker"
)

// Core holds every long-lived component the orchestrator needs. All
// fields are populated by New; callers read them directly rather than
// through accessors, matching how the teacher's cmd entrypoint wires
// its own dependency set inline.
type Core struct {
	Config *config.Config
	Log    *zap.Logger

	Redis     *redis.Client
	Queue     *queue.Queue
	Store     *jobstore.Store
	Templates *template.Registry
	Params    *paramengine.Engine
	Nodes     *nodefleet.Manager
	Balancer  *balancer.Balancer
	Files     *fileplane.Plane
	Driver    *executor.Driver
	Pool      *worker.Pool
	Reaper    *reaper.Reaper
	API       *api.Server
}

// New constructs every component and wires them together. It does not
// start any goroutine or network listener; call Run for that.
func New(cfg *config.Config, log *zap.Logger) (*Core, error) {
	rdb := redisclient.New(cfg)

	store, err := jobstore.Open(cfg.JobStore)
	if err != nil {
		return nil, fmt.Errorf("core: open job store: %w", err)
	}

	templates := template.New(cfg.TemplatesDir)
	params := paramengine.New(templates, log)

	nodes := nodefleet.New(cfg, log)
	bal := balancer.New(cfg.Nodes.LoadBalancing.Strategy, nil)

	files, err := fileplane.New(cfg, nodes, log)
	if err != nil {
		return nil, fmt.Errorf("core: open file plane: %w", err)
	}

	q := queue.New(cfg, rdb)

	driver := executor.New(templates, params, nodes, bal, store, newPreflight(cfg), nil, log)
	driver.FleetMode = cfg.FleetMode()
	driver.MonitorDeadlines = cfg.Worker.MonitorDeadline
	driver.NodeSelectBackoffBase = cfg.Worker.NodeSelectBackoff.Base
	driver.NodeSelectBackoffMax = cfg.Worker.NodeSelectBackoff.Max
	driver.NodeSelectCap = cfg.Worker.NodeSelectCap

	pool := worker.New(cfg, q, store, driver, log)
	rp := reaper.New(cfg, rdb, q, store, nodes, log)

	handler := api.NewHandler(cfg, q, store, files, nodes, bal, pool, log)
	srv := api.NewServer(cfg, handler, log)

	return &Core{
		Config:    cfg,
		Log:       log,
		Redis:     rdb,
		Queue:     q,
		Store:     store,
		Templates: templates,
		Params:    params,
		Nodes:     nodes,
		Balancer:  bal,
		Files:     files,
		Driver:    driver,
		Pool:      pool,
		Reaper:    rp,
		API:       srv,
	}, nil
}

// Run starts the background loops (node probing, reaper sweeps, worker
// pool, upload janitor) and blocks until ctx is cancelled. It does not
// start the HTTP server; cmd/orchestrator starts that separately so it
// can control the listener's own shutdown sequencing.
func (c *Core) Run(ctx context.Context) {
	go c.Nodes.RunProbeLoop(ctx)
	go c.Reaper.Run(ctx)
	if c.Config.Uploads.Janitor.Enabled {
		go c.Files.RunJanitor(ctx, c.Config.Uploads.Janitor.MaxAge, c.Config.Uploads.Janitor.Sweep)
	}
	c.Pool.Run(ctx)
}

// Close releases resources that outlive a single ctx-scoped Run, such
// as the job store's database handle and the Redis client.
func (c *Core) Close() error {
	var firstErr error
	if err := c.Store.Close(); err != nil {
		firstErr = err
	}
	if err := c.Redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
