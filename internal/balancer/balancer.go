// Copyright 2025 James Ross
// Package balancer implements the Load Balancer: a pure function of
// (available nodes, job kind) -> selected node, per spec.md §4.E.
package balancer

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/flyingrobots/go-redis-work-queue/internal/nodefleet"
)

// Strategy names recognized by config.Nodes.LoadBalancing.Strategy.
const (
	RoundRobin    = "round_robin"
	LeastLoaded   = "least_loaded"
	Weighted      = "weighted"
	Random        = "random"
	PriorityBased = "priority_based"
)

// Balancer selects one node from a candidate list according to a fixed
// strategy chosen at startup.
type Balancer struct {
	strategy string

	mu  sync.Mutex
	rr  int // round-robin rotating index
	rng *rand.Rand
}

// New builds a Balancer for the named strategy. An unrecognized name
// falls back to least_loaded silently; nothing logs the fallback.
func New(strategy string, rng *rand.Rand) *Balancer {
	switch strategy {
	case RoundRobin, LeastLoaded, Weighted, Random, PriorityBased:
	default:
		strategy = LeastLoaded
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Balancer{strategy: strategy, rng: rng}
}

// Strategy reports the active selection strategy.
func (b *Balancer) Strategy() string {
	return b.strategy
}

// Select filters candidates to those accepting kind, then applies the
// configured strategy. Returns nil if nothing qualifies.
func (b *Balancer) Select(candidates []*nodefleet.Node, kind string) *nodefleet.Node {
	suitable := filterSuitable(candidates, kind)
	if len(suitable) == 0 {
		return nil
	}

	switch b.strategy {
	case RoundRobin:
		return b.roundRobin(suitable)
	case LeastLoaded:
		return leastLoaded(suitable)
	case Weighted:
		return b.weighted(suitable)
	case Random:
		return b.random(suitable)
	case PriorityBased:
		return priorityBased(suitable)
	default:
		return leastLoaded(suitable)
	}
}

// Score reports the value the active strategy would use to rank node
// against its peers for kind, for the admin node-score debug endpoint.
// Higher is better across every strategy. round_robin and random have
// no notion of ranking; Score reports 1 for any eligible node and 0 for
// an ineligible one.
func (b *Balancer) Score(node *nodefleet.Node, kind string) float64 {
	if node.Status != nodefleet.Online || !node.Accepts(kind) {
		return 0
	}
	switch b.strategy {
	case Weighted:
		loadFactor := 1.0 - node.LoadPercentage()/100
		if loadFactor < 0.1 {
			loadFactor = 0.1
		}
		return float64(priority(node)) * loadFactor
	case PriorityBased:
		return float64(priority(node))
	case LeastLoaded:
		return 100 - node.LoadPercentage()
	default:
		return 1
	}
}

func filterSuitable(nodes []*nodefleet.Node, kind string) []*nodefleet.Node {
	out := make([]*nodefleet.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status != nodefleet.Online {
			continue
		}
		if !n.Accepts(kind) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (b *Balancer) roundRobin(nodes []*nodefleet.Node) *nodefleet.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := nodes[b.rr%len(nodes)]
	b.rr++
	return n
}

func leastLoaded(nodes []*nodefleet.Node) *nodefleet.Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.LoadPercentage() < best.LoadPercentage() {
			best = n
		}
	}
	return best
}

func priority(n *nodefleet.Node) int {
	v, ok := n.Metadata["priority"]
	if !ok {
		return 1
	}
	p := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 1
		}
		p = p*10 + int(c-'0')
	}
	if p <= 0 {
		return 1
	}
	return p
}

func (b *Balancer) weighted(nodes []*nodefleet.Node) *nodefleet.Node {
	weights := make([]float64, len(nodes))
	var total float64
	for i, n := range nodes {
		loadFactor := 1.0 - n.LoadPercentage()/100
		if loadFactor < 0.1 {
			loadFactor = 0.1
		}
		w := float64(priority(n)) * loadFactor
		weights[i] = w
		total += w
	}
	if total == 0 {
		return nodes[0]
	}

	b.mu.Lock()
	roll := b.rng.Float64() * total
	b.mu.Unlock()

	var cum float64
	for i, w := range weights {
		cum += w
		if roll <= cum {
			return nodes[i]
		}
	}
	return nodes[len(nodes)-1]
}

func (b *Balancer) random(nodes []*nodefleet.Node) *nodefleet.Node {
	b.mu.Lock()
	idx := b.rng.Intn(len(nodes))
	b.mu.Unlock()
	return nodes[idx]
}

func priorityBased(nodes []*nodefleet.Node) *nodefleet.Node {
	highest := priority(nodes[0])
	for _, n := range nodes[1:] {
		if p := priority(n); p > highest {
			highest = p
		}
	}
	group := make([]*nodefleet.Node, 0, len(nodes))
	for _, n := range nodes {
		if priority(n) == highest {
			group = append(group, n)
		}
	}
	sort.Slice(group, func(i, j int) bool {
		return group[i].LoadPercentage() < group[j].LoadPercentage()
	})
	return group[0]
}
