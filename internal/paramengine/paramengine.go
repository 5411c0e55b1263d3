// Copyright 2025 James Ross
// Package paramengine resolves client-supplied parameters against a
// template's binding schema and injects them into a cloned graph, per
// spec.md §4.C.
package paramengine

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"

	"github.com/flyingrobots/go-redis-work-queue/internal/template"
	"go.uber.org/zap"
)

// systemParams are accepted from clients but never bound to the graph;
// they are consumed by the orchestrator itself (job store, queue, file
// plane), not by the backend workflow.
var systemParams = map[string]struct{}{
	"job-id":                    {},
	"user-id":                   {},
	"job-kind":                  {},
	"workflow-name":             {},
	"priority":                  {},
	"file-download-instructions": {},
	// Underscore spellings, as the HTTP intake carries them in the body.
	"job_id":        {},
	"user_id":       {},
	"job_kind":      {},
	"workflow_name": {},
}

// seedSentinel is the client-facing "randomize this seed" marker.
const seedSentinel = -1

// Engine resolves parameters against a template.Registry.
type Engine struct {
	registry *template.Registry
	log      *zap.Logger
}

// New builds an Engine over the given template registry.
func New(registry *template.Registry, log *zap.Logger) *Engine {
	return &Engine{registry: registry, log: log}
}

// UnknownParameterError reports a client parameter rejected because it
// is neither a bound template parameter nor a recognized system field.
type UnknownParameterError struct {
	Name string
}

func (e *UnknownParameterError) Error() string {
	return fmt.Sprintf("paramengine: unknown parameter %q", e.Name)
}

// CoercionError reports a parameter value that could not be coerced to
// its declared data type.
type CoercionError struct {
	Name, DataType string
	Value          any
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("paramengine: cannot coerce parameter %q (value %v) to %s", e.Name, e.Value, e.DataType)
}

// Process implements the 7-step resolution pipeline: fetch the named
// template's binding schema, validate client params against it, merge
// in defaults, special-case a -1 seed, and inject the resolved values
// into a fresh clone of the canonical graph.
func (e *Engine) Process(templateName string, clientParams map[string]any) (template.Graph, error) {
	tmpl, err := e.registry.Get(templateName)
	if err != nil {
		return nil, fmt.Errorf("paramengine: fetch template %q: %w", templateName, err)
	}

	for name := range clientParams {
		if _, allowed := tmpl.Binding.AllowedParams[name]; allowed {
			continue
		}
		if _, sys := systemParams[name]; sys {
			continue
		}
		return nil, &UnknownParameterError{Name: name}
	}

	resolved := make(map[string]any, len(tmpl.Binding.ParameterMapping))
	for name, mapping := range tmpl.Binding.ParameterMapping {
		value, present := clientParams[name]
		if !present || value == nil {
			if mapping.Default == nil {
				continue
			}
			value = mapping.Default
		}

		coerced, err := coerce(value, mapping.DataType)
		if err != nil {
			return nil, &CoercionError{Name: name, DataType: mapping.DataType, Value: value}
		}
		resolved[name] = coerced
	}

	if seed, ok := resolved["seed"]; ok {
		if n, ok := seed.(int64); ok && n == seedSentinel {
			r, err := randomSeed()
			if err != nil {
				return nil, fmt.Errorf("paramengine: generate random seed: %w", err)
			}
			resolved["seed"] = r
		}
	}

	graph := tmpl.Graph.Clone()

	for name, value := range resolved {
		mapping := tmpl.Binding.ParameterMapping[name]
		node, ok := graph[mapping.GraphNodeID]
		if !ok {
			if e.log != nil {
				e.log.Warn("paramengine: target graph node missing, skipping parameter",
					zap.String("parameter", name), zap.String("graph_node_id", mapping.GraphNodeID))
			}
			continue
		}
		node.Inputs[mapping.InputField] = value
	}

	return graph, nil
}

func coerce(value any, dataType string) (any, error) {
	switch dataType {
	case "int":
		switch v := value.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case float64:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, err
			}
			return n, nil
		default:
			return nil, fmt.Errorf("unsupported int source type %T", value)
		}

	case "float":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, err
			}
			return f, nil
		default:
			return nil, fmt.Errorf("unsupported float source type %T", value)
		}

	case "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, err
			}
			return b, nil
		default:
			return nil, fmt.Errorf("unsupported bool source type %T", value)
		}

	case "string", "":
		switch v := value.(type) {
		case string:
			return v, nil
		default:
			return fmt.Sprintf("%v", v), nil
		}

	default:
		return nil, fmt.Errorf("unknown data type %q", dataType)
	}
}

// randomSeed produces a uniformly random non-negative 31-bit integer.
func randomSeed() (int64, error) {
	max := big.NewInt(1 << 31)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}
