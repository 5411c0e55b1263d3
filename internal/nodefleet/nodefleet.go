// Copyright 2025 James Ross
// Package nodefleet implements the Node Manager: node registration,
// health probing, assignment bookkeeping, and failure-event publication.
package nodefleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/breaker"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Status is one of the node lifecycle states in spec.md §3.
type Status string

const (
	Online      Status = "online"
	Offline     Status = "offline"
	Busy        Status = "busy"
	Error       Status = "error"
	Maintenance Status = "maintenance"
)

// Node is a backend inference endpoint.
type Node struct {
	ID            string
	Host          string
	Port          int
	Status        Status
	MaxConcurrent int
	CurrentLoad   int
	Capabilities  []string
	Metadata      map[string]string
	LastHeartbeat time.Time
}

// URL returns the node's HTTP authority.
func (n *Node) URL() string {
	return fmt.Sprintf("http://%s:%d", n.Host, n.Port)
}

// LoadPercentage is 100*current-load/max-concurrent.
func (n *Node) LoadPercentage() float64 {
	if n.MaxConcurrent <= 0 {
		return 100
	}
	return 100 * float64(n.CurrentLoad) / float64(n.MaxConcurrent)
}

// Available reports status=online and spare capacity.
func (n *Node) Available() bool {
	return n.Status == Online && n.CurrentLoad < n.MaxConcurrent
}

// Accepts reports whether the node's capability set permits the given
// job kind. An empty capability set means "any".
func (n *Node) Accepts(kind string) bool {
	if len(n.Capabilities) == 0 {
		return true
	}
	for _, c := range n.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// snapshot returns a shallow copy safe to hand to a caller outside the lock.
func (n *Node) snapshot() *Node {
	cp := *n
	cp.Capabilities = append([]string(nil), n.Capabilities...)
	cp.Metadata = make(map[string]string, len(n.Metadata))
	for k, v := range n.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// FailureEvent is emitted when a node transitions online -> offline,
// naming every job that was assigned to it at the moment of failure.
type FailureEvent struct {
	NodeID string   `json:"node_id"`
	JobIDs []string `json:"job_ids"`
	At     time.Time `json:"at"`
}

// Manager owns every Node record and the node-id -> assigned-job-ids map.
type Manager struct {
	cfg *config.Config
	log *zap.Logger

	mu          sync.RWMutex
	nodes       map[string]*Node
	assignments map[string]map[string]struct{}
	breakers    map[string]*breaker.CircuitBreaker

	httpClient *http.Client

	failureCh chan FailureEvent
	nc        *nats.Conn
}

// New builds a Manager from static node declarations in config.
// Register exists for programmatic/test node addition; only
// discovery_mode=static is implemented, config.Validate rejects
// dynamic/hybrid rather than silently running with zero discovery.
func New(cfg *config.Config, log *zap.Logger) *Manager {
	m := &Manager{
		cfg:         cfg,
		log:         log,
		nodes:       make(map[string]*Node),
		assignments: make(map[string]map[string]struct{}),
		breakers:    make(map[string]*breaker.CircuitBreaker),
		httpClient:  &http.Client{Timeout: cfg.Nodes.HealthCheck.Timeout},
		failureCh:   make(chan FailureEvent, 64),
	}

	if cfg.NATS.Enabled {
		if nc, err := nats.Connect(cfg.NATS.URL); err != nil {
			log.Warn("nats connect failed, falling back to local failure channel only", obs.Err(err))
		} else {
			m.nc = nc
		}
	}

	for _, decl := range cfg.Nodes.StaticNodes {
		m.nodes[decl.ID] = &Node{
			ID:            decl.ID,
			Host:          decl.Host,
			Port:          decl.Port,
			Status:        Offline,
			MaxConcurrent: decl.MaxConcurrent,
			Capabilities:  decl.Capabilities,
			Metadata:      decl.Metadata,
		}
		m.assignments[decl.ID] = make(map[string]struct{})
		m.breakers[decl.ID] = breaker.New(30*time.Second, 15*time.Second, 0.5, 5)
	}

	return m
}

// Failures returns the channel failure events are published on, for a
// local subscriber (the reaper) that does not need NATS.
func (m *Manager) Failures() <-chan FailureEvent {
	return m.failureCh
}

// Register probes a node once and, if healthy, inserts or replaces its
// record with status=online.
func (m *Manager) Register(ctx context.Context, n *Node) bool {
	healthy := m.probeNode(ctx, n)

	m.mu.Lock()
	defer m.mu.Unlock()
	if healthy {
		n.Status = Online
		n.LastHeartbeat = time.Now()
	} else {
		n.Status = Offline
	}
	m.nodes[n.ID] = n
	if _, ok := m.assignments[n.ID]; !ok {
		m.assignments[n.ID] = make(map[string]struct{})
	}
	if _, ok := m.breakers[n.ID]; !ok {
		m.breakers[n.ID] = breaker.New(30*time.Second, 15*time.Second, 0.5, 5)
	}
	return healthy
}

// Unregister removes a node record and its assignment set. The caller is
// responsible for handling the jobs that were assigned to it.
func (m *Manager) Unregister(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
	delete(m.assignments, nodeID)
	delete(m.breakers, nodeID)
}

// Assign records a job as running on a node and bumps current-load.
func (m *Manager) Assign(nodeID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("nodefleet: unknown node %q", nodeID)
	}
	set, ok := m.assignments[nodeID]
	if !ok {
		set = make(map[string]struct{})
		m.assignments[nodeID] = set
	}
	set[jobID] = struct{}{}
	n.CurrentLoad = len(set)
	obs.NodeCurrentLoad.WithLabelValues(nodeID).Set(float64(n.CurrentLoad))
	return nil
}

// Release removes a job from a node's assignment set and drops current-load.
func (m *Manager) Release(nodeID, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.assignments[nodeID]
	if !ok {
		return
	}
	delete(set, jobID)
	if n, ok := m.nodes[nodeID]; ok {
		n.CurrentLoad = len(set)
		obs.NodeCurrentLoad.WithLabelValues(nodeID).Set(float64(n.CurrentLoad))
	}
}

// GetAvailable returns nodes with status=online, spare capacity, and
// capability compatible with kind (empty kind matches every node).
func (m *Manager) GetAvailable(kind string) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if !n.Available() {
			continue
		}
		if kind != "" && !n.Accepts(kind) {
			continue
		}
		out = append(out, n.snapshot())
	}
	return out
}

// Get returns a snapshot of one node, if known.
func (m *Manager) Get(nodeID string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return n.snapshot(), true
}

// ListOnline returns every node currently online, regardless of load.
// Used by the file plane to pick fallback proxy targets for a result
// read, where capacity headroom is irrelevant.
func (m *Manager) ListOnline() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.Status == Online {
			out = append(out, n.snapshot())
		}
	}
	return out
}

// ListAll returns a snapshot of every known node regardless of status,
// for the admin fleet comparison surface.
func (m *Manager) ListAll() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.snapshot())
	}
	return out
}

// SetMaintenance toggles the human-set maintenance override. A node in
// maintenance is skipped by the probe loop and never selected by the
// balancer, but keeps its assignment bookkeeping intact so in-flight
// jobs still release cleanly.
func (m *Manager) SetMaintenance(nodeID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("nodefleet: unknown node %q", nodeID)
	}
	if on {
		n.Status = Maintenance
	} else if n.Status == Maintenance {
		n.Status = Offline // rejoins the fleet on the probe loop's next pass
	}
	return nil
}

// NodeStats is the per-node row of the admin fleet comparison surface.
type NodeStats struct {
	NodeID         string  `json:"node_id"`
	Status         Status  `json:"status"`
	LoadPercentage float64 `json:"load_percentage"`
	CurrentLoad    int     `json:"current_load"`
	MaxConcurrent  int     `json:"max_concurrent"`
	AssignedJobs   int     `json:"assigned_jobs"`
}

// ClusterStats summarizes the fleet for the admin dashboard.
type ClusterStats struct {
	TotalNodes   int         `json:"total_nodes"`
	OnlineNodes  int         `json:"online_nodes"`
	OfflineNodes int         `json:"offline_nodes"`
	Nodes        []NodeStats `json:"nodes"`
}

// ClusterStats computes a point-in-time summary across every known node.
func (m *Manager) ClusterStats() ClusterStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := ClusterStats{Nodes: make([]NodeStats, 0, len(m.nodes))}
	for id, n := range m.nodes {
		stats.TotalNodes++
		if n.Status == Online {
			stats.OnlineNodes++
		} else if n.Status == Offline {
			stats.OfflineNodes++
		}
		stats.Nodes = append(stats.Nodes, NodeStats{
			NodeID:         id,
			Status:         n.Status,
			LoadPercentage: n.LoadPercentage(),
			CurrentLoad:    n.CurrentLoad,
			MaxConcurrent:  n.MaxConcurrent,
			AssignedJobs:   len(m.assignments[id]),
		})
	}
	return stats
}

// Breaker returns the per-node circuit breaker, creating one on first
// reference for a dynamically discovered node.
func (m *Manager) Breaker(nodeID string) *breaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[nodeID]
	if !ok {
		cb = breaker.New(30*time.Second, 15*time.Second, 0.5, 5)
		m.breakers[nodeID] = cb
	}
	return cb
}

// Probe performs a synchronous health check against one node and updates
// its last-heartbeat on success. It does not change status; the probe
// loop owns status transitions so a single out-of-band probe cannot race
// the loop's online/offline decision.
func (m *Manager) Probe(ctx context.Context, nodeID string) bool {
	m.mu.RLock()
	n, ok := m.nodes[nodeID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	healthy := m.probeNode(ctx, n)
	if healthy {
		m.mu.Lock()
		n.LastHeartbeat = time.Now()
		m.mu.Unlock()
	}
	return healthy
}

func (m *Manager) probeNode(ctx context.Context, n *Node) bool {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Nodes.HealthCheck.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, n.URL()+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var stats map[string]any
	if json.NewDecoder(resp.Body).Decode(&stats) == nil {
		m.mu.Lock()
		if n.Metadata == nil {
			n.Metadata = make(map[string]string)
		}
		n.Metadata["last_checked"] = time.Now().UTC().Format(time.RFC3339)
		m.mu.Unlock()
	}
	return true
}

// RunProbeLoop runs the background health probe on the configured
// interval until ctx is cancelled. Non-maintenance nodes transition
// online<->offline per spec.md §4.D; maintenance is a human-set override
// the loop never touches.
func (m *Manager) RunProbeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Nodes.HealthCheck.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.nodes))
	for id, n := range m.nodes {
		if n.Status != Maintenance {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.probeOne(ctx, id)
	}
}

func (m *Manager) probeOne(ctx context.Context, nodeID string) {
	m.mu.RLock()
	n, ok := m.nodes[nodeID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	healthy := m.probeNode(ctx, n)

	m.mu.Lock()
	wasOnline := n.Status == Online
	heartbeatStale := time.Since(n.LastHeartbeat) > m.cfg.Nodes.HealthCheck.HeartbeatTimeout
	var jobIDs []string

	if healthy {
		n.Status = Online
		n.LastHeartbeat = time.Now()
	} else if wasOnline || heartbeatStale {
		n.Status = Offline
	}

	goingOffline := wasOnline && n.Status == Offline
	if goingOffline {
		for jobID := range m.assignments[nodeID] {
			jobIDs = append(jobIDs, jobID)
		}
		m.assignments[nodeID] = make(map[string]struct{})
		n.CurrentLoad = 0
	}
	m.mu.Unlock()

	switch n.Status {
	case Online:
		obs.NodeStatus.WithLabelValues(nodeID).Set(1)
	case Offline:
		obs.NodeStatus.WithLabelValues(nodeID).Set(0)
	case Busy:
		obs.NodeStatus.WithLabelValues(nodeID).Set(2)
	case Error:
		obs.NodeStatus.WithLabelValues(nodeID).Set(3)
	case Maintenance:
		obs.NodeStatus.WithLabelValues(nodeID).Set(4)
	}

	if goingOffline {
		obs.NodeFailoverEvents.Inc()
		m.log.Warn("node transitioned offline", obs.String("node_id", nodeID), obs.Int("orphaned_jobs", len(jobIDs)))
		m.publishFailure(FailureEvent{NodeID: nodeID, JobIDs: jobIDs, At: time.Now()})
	}
}

func (m *Manager) publishFailure(ev FailureEvent) {
	select {
	case m.failureCh <- ev:
	default:
		m.log.Warn("failure channel full, dropping local delivery", obs.String("node_id", ev.NodeID))
	}

	if m.nc == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := m.nc.Publish("orchestrator.node.failed", payload); err != nil {
		m.log.Warn("nats publish failed", obs.Err(err))
	}
}

// Close releases the NATS connection, if one was opened.
func (m *Manager) Close() {
	if m.nc != nil {
		m.nc.Close()
	}
}
