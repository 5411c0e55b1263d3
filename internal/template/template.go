// Copyright 2025 James Ross
// Package template implements the Template Registry: loading, caching,
// and canonicalising workflow template graphs per spec.md §4.B.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Connection is a [source-node-id, output-slot] pair.
type Connection [2]any

// GraphNode is one entry of the canonical legacy-shaped graph: a
// class-type plus a field -> (value | connection) input map.
type GraphNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph is the canonical internal shape every template is reduced to:
// graph-node-id -> GraphNode.
type Graph map[string]*GraphNode

// Clone deep-copies the graph so the cache is never mutated by a caller.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, n := range g {
		inputs := make(map[string]any, len(n.Inputs))
		for k, v := range n.Inputs {
			inputs[k] = v
		}
		out[id] = &GraphNode{ClassType: n.ClassType, Inputs: inputs}
	}
	return out
}

// ParamMapping describes where one allowed parameter lands in the graph.
type ParamMapping struct {
	GraphNodeID string `json:"graph_node_id"`
	InputField  string `json:"input_field"`
	DataType    string `json:"data_type"` // int | float | string | bool
	Default     any    `json:"default_value"`
}

// BindingSchema is the per-template contract: which parameter names a
// client may supply, and where each one is injected.
type BindingSchema struct {
	AllowedParams   map[string]struct{}    `json:"-"`
	ParameterMapping map[string]ParamMapping `json:"parameter_mapping"`
}

// Template is a canonicalised graph plus its binding schema.
type Template struct {
	Name    string
	Graph   Graph
	Binding BindingSchema
}

// richNode is the rich on-disk node shape (nodes array with id/type/
// inputs/widgets_values), as produced by the graph editor.
type richNode struct {
	ID            int              `json:"id"`
	Type          string           `json:"type"`
	Inputs        []richInput      `json:"inputs"`
	WidgetsValues []any            `json:"widgets_values"`
}

type richInput struct {
	Name  string `json:"name"`
	Link  *int   `json:"link"`
	Value any    `json:"value"`
}

// rich is the full rich-format document: a nodes array plus a flat link
// table [link-id, src-node, src-slot, dst-node, dst-slot, type].
type rich struct {
	Nodes []richNode `json:"nodes"`
	Links [][]any    `json:"links"`
}

// rawConfig is the sidecar file naming the workflow file plus its
// binding schema, loaded alongside the graph itself.
type rawConfig struct {
	WorkflowFile     string                   `json:"workflow_file"`
	AllowedParams    []string                 `json:"allowed_params"`
	ParameterMapping map[string]ParamMapping  `json:"parameter_mapping"`
}

// nodeTypesToSkip are UI-only node types dropped during canonicalisation.
var nodeTypesToSkip = map[string]struct{}{
	"Note":         {},
	"Reroute":      {},
	"PrimitiveNode": {},
}

// Registry loads templates lazily and caches them forever within a
// process, keyed by normalised absolute path. Safe for concurrent reads
// after first load.
type Registry struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*Template
}

// New builds a Registry rooted at dir, the directory holding one
// `<name>.json` config file (and its referenced workflow graph file)
// per template.
func New(dir string) *Registry {
	return &Registry{dir: dir, cache: make(map[string]*Template)}
}

// Get returns the canonicalised template and binding schema for name,
// loading and caching it on first use.
func (r *Registry) Get(name string) (*Template, error) {
	configPath, err := filepath.Abs(filepath.Join(r.dir, name+".json"))
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	if t, ok := r.cache[configPath]; ok {
		r.mu.RUnlock()
		return t, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[configPath]; ok {
		return t, nil
	}

	t, err := r.load(name, configPath)
	if err != nil {
		return nil, err
	}
	r.cache[configPath] = t
	return t, nil
}

// Reload drops the entire cache; the next Get for any template reloads
// from disk. This is a process-level operation, not scoped to one name.
func (r *Registry) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*Template)
}

func (r *Registry) load(name, configPath string) (*Template, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("template: read config %s: %w", configPath, err)
	}
	var cfg rawConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("template: parse config %s: %w", configPath, err)
	}

	workflowPath := cfg.WorkflowFile
	if !filepath.IsAbs(workflowPath) {
		workflowPath = filepath.Join(r.dir, workflowPath)
	}
	graphBytes, err := os.ReadFile(workflowPath)
	if err != nil {
		return nil, fmt.Errorf("template: read workflow file %s: %w", workflowPath, err)
	}

	graph, err := Canonicalize(graphBytes)
	if err != nil {
		return nil, fmt.Errorf("template: canonicalize %s: %w", workflowPath, err)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedParams))
	for _, p := range cfg.AllowedParams {
		allowed[p] = struct{}{}
	}

	return &Template{
		Name:  name,
		Graph: graph,
		Binding: BindingSchema{
			AllowedParams:    allowed,
			ParameterMapping: cfg.ParameterMapping,
		},
	}, nil
}

// Canonicalize accepts either legacy form (a bare map of node-id ->
// {class_type, inputs}) or rich form ({nodes: [...], links: [...]}) and
// returns the legacy shape. Rich-form connections are resolved against
// the link table; UI-only node types are dropped; widgets_values are
// mapped into inputs by class-type-specific positional schemas.
func Canonicalize(data []byte) (Graph, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid template JSON: %w", err)
	}

	if _, isRich := probe["nodes"]; isRich {
		var doc rich
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid rich-format template: %w", err)
		}
		return canonicalizeRich(doc), nil
	}

	return canonicalizeLegacy(probe)
}

func canonicalizeLegacy(probe map[string]json.RawMessage) (Graph, error) {
	graph := make(Graph, len(probe))
	for id, raw := range probe {
		var n GraphNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("invalid legacy node %s: %w", id, err)
		}
		if n.Inputs == nil {
			n.Inputs = make(map[string]any)
		}
		graph[id] = &n
	}
	return graph, nil
}

func canonicalizeRich(doc rich) Graph {
	byID := make(map[int]richNode, len(doc.Nodes))
	for _, n := range doc.Nodes {
		byID[n.ID] = n
	}

	linksByID := make(map[int][2]any, len(doc.Links))
	for _, link := range doc.Links {
		if len(link) < 6 {
			continue
		}
		linkID, ok := toInt(link[0])
		if !ok {
			continue
		}
		srcNode, ok1 := toInt(link[1])
		srcSlot, ok2 := link[2], true
		if !ok1 || !ok2 {
			continue
		}
		linksByID[linkID] = [2]any{srcNode, srcSlot}
	}

	graph := make(Graph, len(doc.Nodes))
	for _, node := range doc.Nodes {
		if _, skip := nodeTypesToSkip[node.Type]; skip {
			continue
		}
		nodeID := fmt.Sprintf("%d", node.ID)
		gn := &GraphNode{ClassType: node.Type, Inputs: make(map[string]any)}

		for _, in := range node.Inputs {
			if in.Link != nil {
				if src, ok := linksByID[*in.Link]; ok {
					srcNodeID, _ := src[0].(int)
					if srcNode, ok := byID[srcNodeID]; ok {
						if _, skip := nodeTypesToSkip[srcNode.Type]; skip {
							continue
						}
					}
					gn.Inputs[in.Name] = []any{fmt.Sprintf("%d", srcNodeID), src[1]}
				}
				continue
			}
			if in.Value != nil {
				gn.Inputs[in.Name] = in.Value
			}
		}

		mapWidgetsToInputs(gn, node.WidgetsValues, node.Type)
		graph[nodeID] = gn
	}
	return graph
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// mapWidgetsToInputs maps a node's widgets_values positional array into
// its inputs map, for the known inference primitives. Unknown class
// types pass through unchanged.
func mapWidgetsToInputs(node *GraphNode, widgets []any, classType string) {
	if len(widgets) == 0 {
		return
	}

	switch classType {
	case "CLIPTextEncode":
		node.Inputs["text"] = widgets[0]

	case "KSampler":
		if len(widgets) >= 7 {
			node.Inputs["seed"] = widgets[0]
			node.Inputs["steps"] = widgets[2]
			node.Inputs["cfg"] = widgets[3]
			node.Inputs["sampler_name"] = widgets[4]
			node.Inputs["scheduler"] = widgets[5]
			node.Inputs["denoise"] = widgets[6]
		}

	case "KSamplerAdvanced":
		if len(widgets) >= 10 {
			node.Inputs["noise_seed"] = widgets[1]
			node.Inputs["steps"] = widgets[3]
			node.Inputs["cfg"] = widgets[4]
			node.Inputs["sampler_name"] = widgets[5]
			node.Inputs["scheduler"] = widgets[6]
		}

	case "EmptyLatentImage":
		if len(widgets) >= 3 {
			node.Inputs["width"] = widgets[0]
			node.Inputs["height"] = widgets[1]
			node.Inputs["batch_size"] = widgets[2]
		}

	case "CheckpointLoaderSimple":
		if len(widgets) >= 1 {
			node.Inputs["ckpt_name"] = widgets[0]
		}
	}
}
