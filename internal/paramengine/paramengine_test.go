package paramengine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/template"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()

	workflow := map[string]any{
		"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": 0}},
		"5": map[string]any{"class_type": "EmptyLatentImage", "inputs": map[string]any{"width": 512}},
	}
	wb, err := json.Marshal(workflow)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "basic.workflow.json"), wb, 0o644))

	cfg := map[string]any{
		"workflow_file":  "basic.workflow.json",
		"allowed_params": []string{"seed", "width", "steps"},
		"parameter_mapping": map[string]any{
			"seed":  map[string]any{"graph_node_id": "3", "input_field": "seed", "data_type": "int"},
			"width": map[string]any{"graph_node_id": "5", "input_field": "width", "data_type": "int", "default_value": float64(512)},
			"steps": map[string]any{"graph_node_id": "9-missing", "input_field": "steps", "data_type": "int", "default_value": float64(20)},
		},
	}
	cb, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "basic.json"), cb, 0o644))

	return New(template.New(dir), nil)
}

func TestProcessRejectsUnknownParameter(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Process("basic", map[string]any{"bogus": 1})
	require.Error(t, err)
	var uerr *UnknownParameterError
	require.ErrorAs(t, err, &uerr)
}

func TestProcessAllowsSystemParametersSilently(t *testing.T) {
	e := newTestEngine(t)
	g, err := e.Process("basic", map[string]any{"job-id": "abc", "priority": 5})
	require.NoError(t, err)
	require.NotNil(t, g)
}

func TestProcessCoercesAndMerges(t *testing.T) {
	e := newTestEngine(t)
	g, err := e.Process("basic", map[string]any{"seed": "777"})
	require.NoError(t, err)
	require.EqualValues(t, int64(777), g["3"].Inputs["seed"])
	require.EqualValues(t, int64(512), g["5"].Inputs["width"])
}

func TestProcessRandomizesSentinelSeed(t *testing.T) {
	e := newTestEngine(t)
	g, err := e.Process("basic", map[string]any{"seed": int64(-1)})
	require.NoError(t, err)
	seed, ok := g["3"].Inputs["seed"].(int64)
	require.True(t, ok)
	require.NotEqual(t, int64(-1), seed)
	require.GreaterOrEqual(t, seed, int64(0))
}

func TestProcessSkipsMissingGraphNodeWithoutFailing(t *testing.T) {
	e := newTestEngine(t)
	g, err := e.Process("basic", nil)
	require.NoError(t, err)
	require.NotContains(t, g, "9-missing")
}

func TestProcessInvalidCoercionFails(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Process("basic", map[string]any{"seed": "not-a-number"})
	require.Error(t, err)
	var cerr *CoercionError
	require.ErrorAs(t, err, &cerr)
}

func TestProcessIsIdempotentWithoutSentinelSeed(t *testing.T) {
	e := newTestEngine(t)
	g1, err := e.Process("basic", map[string]any{"seed": int64(42)})
	require.NoError(t, err)
	g2, err := e.Process("basic", map[string]any{"seed": int64(42)})
	require.NoError(t, err)
	require.Equal(t, g1["3"].Inputs["seed"], g2["3"].Inputs["seed"])
}

func TestProcessUnknownTemplateFails(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Process("does-not-exist", nil)
	require.Error(t, err)
}
