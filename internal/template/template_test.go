package template

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, v any) string {
	t.Helper()
	path := filepath.Join(dir, name)
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestCanonicalizeLegacyPassesThrough(t *testing.T) {
	legacy := map[string]any{
		"3": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"seed": 42,
			},
		},
	}
	b, err := json.Marshal(legacy)
	require.NoError(t, err)

	g, err := Canonicalize(b)
	require.NoError(t, err)
	require.Len(t, g, 1)
	require.Equal(t, "KSampler", g["3"].ClassType)
	require.EqualValues(t, 42, g["3"].Inputs["seed"])
}

func TestCanonicalizeRichDropsUINodesAndResolvesLinks(t *testing.T) {
	doc := rich{
		Nodes: []richNode{
			{ID: 1, Type: "Note", WidgetsValues: []any{"a reminder"}},
			{ID: 2, Type: "CheckpointLoaderSimple", WidgetsValues: []any{"sd_xl.safetensors"}},
			{ID: 3, Type: "CLIPTextEncode", Inputs: []richInput{{Name: "clip", Link: intp(10)}}, WidgetsValues: []any{"a cat"}},
		},
		Links: [][]any{
			{10, 2, 0, 3, 0, "CLIP"},
		},
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)

	g, err := Canonicalize(b)
	require.NoError(t, err)

	require.NotContains(t, g, "1")
	require.Contains(t, g, "2")
	require.Contains(t, g, "3")

	require.Equal(t, "sd_xl.safetensors", g["2"].Inputs["ckpt_name"])
	require.Equal(t, "a cat", g["3"].Inputs["text"])

	conn, ok := g["3"].Inputs["clip"].([]any)
	require.True(t, ok)
	require.Equal(t, "2", conn[0])
}

func TestMapWidgetsToInputsKSamplerPositions(t *testing.T) {
	gn := &GraphNode{Inputs: map[string]any{}}
	mapWidgetsToInputs(gn, []any{12345.0, "fixed", 20.0, 8.0, "euler", "normal", 1.0}, "KSampler")
	require.EqualValues(t, 12345.0, gn.Inputs["seed"])
	require.EqualValues(t, 20.0, gn.Inputs["steps"])
	require.EqualValues(t, 8.0, gn.Inputs["cfg"])
	require.Equal(t, "euler", gn.Inputs["sampler_name"])
	require.Equal(t, "normal", gn.Inputs["scheduler"])
}

func TestMapWidgetsToInputsEmptyLatentImage(t *testing.T) {
	gn := &GraphNode{Inputs: map[string]any{}}
	mapWidgetsToInputs(gn, []any{512.0, 768.0, 1.0}, "EmptyLatentImage")
	require.EqualValues(t, 512.0, gn.Inputs["width"])
	require.EqualValues(t, 768.0, gn.Inputs["height"])
	require.EqualValues(t, 1.0, gn.Inputs["batch_size"])
}

func TestGraphCloneIsIndependent(t *testing.T) {
	g := Graph{"1": &GraphNode{ClassType: "X", Inputs: map[string]any{"a": 1}}}
	clone := g.Clone()
	clone["1"].Inputs["a"] = 2
	require.EqualValues(t, 1, g["1"].Inputs["a"])
}

func TestRegistryGetLoadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sd-basic.workflow.json", map[string]any{
		"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": -1}},
	})
	writeFile(t, dir, "sd-basic.json", rawConfig{
		WorkflowFile:  "sd-basic.workflow.json",
		AllowedParams: []string{"seed", "steps"},
		ParameterMapping: map[string]ParamMapping{
			"seed": {GraphNodeID: "3", InputField: "seed", DataType: "int"},
		},
	})

	reg := New(dir)
	tmpl, err := reg.Get("sd-basic")
	require.NoError(t, err)
	require.Equal(t, "sd-basic", tmpl.Name)
	require.Contains(t, tmpl.Binding.AllowedParams, "seed")

	again, err := reg.Get("sd-basic")
	require.NoError(t, err)
	require.Same(t, tmpl, again)
}

func TestRegistryGetMissingTemplateErrors(t *testing.T) {
	reg := New(t.TempDir())
	_, err := reg.Get("does-not-exist")
	require.Error(t, err)
}

func intp(i int) *int { return &i }
