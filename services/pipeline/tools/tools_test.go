// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/config"
	"github.com/concordance-ai/concordance/services/pipeline/dag"
	"github.com/concordance-ai/concordance/services/pipeline/datatype"
	"github.com/concordance-ai/concordance/services/pipeline/tools"
	"github.com/concordance-ai/concordance/services/pipeline/trace"
	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

func builtinRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg, err := config.NewManager("", tools.Builders(), nil).Load(context.Background())
	require.NoError(t, err)
	return reg
}

func builtinTool(t *testing.T, id string) capability.Tool {
	t.Helper()
	tool, err := builtinRegistry(t).Get(id)
	require.NoError(t, err)
	return tool
}

func factorValues(factors []uncertainty.AssessmentFactor) map[string]float64 {
	out := make(map[string]float64, len(factors))
	for _, f := range factors {
		out[f.Name] = f.Value
	}
	return out
}

const sampleText = "Alice Martin met Bob Chen in Geneva. They discussed the Aleutian Treaty.\nNothing else happened."

func TestFileReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleText), 0o600))

	out, err := builtinTool(t, "file_reader").Execute(context.Background(),
		map[string]any{"file": path}, nil)
	require.NoError(t, err)

	payload, ok := out.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, sampleText, payload["text"])
	assert.Equal(t, len(sampleText), payload["bytes"])

	values := factorValues(out.Factors)
	assert.Equal(t, 1.0, values["read_coverage"])
	assert.Equal(t, 1.0, values["decode_confidence"])
}

func TestFileReader_InvalidUTF8LowersConfidence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "binary.dat")
	require.NoError(t, os.WriteFile(path, []byte{'o', 'k', 0xff, 0xfe, 0xfd}, 0o600))

	out, err := builtinTool(t, "file_reader").Execute(context.Background(),
		map[string]any{"file": path}, nil)
	require.NoError(t, err)

	values := factorValues(out.Factors)
	assert.Less(t, values["decode_confidence"], 1.0)
	assert.Greater(t, values["decode_confidence"], 0.0)
}

func TestFileReader_Latin1AlwaysDecodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latin.txt")
	require.NoError(t, os.WriteFile(path, []byte{'c', 'a', 'f', 0xe9}, 0o600))

	out, err := builtinTool(t, "file_reader").Execute(context.Background(),
		map[string]any{"file": path}, map[string]any{"encoding": "latin-1"})
	require.NoError(t, err)

	payload := out.Payload.(map[string]any)
	assert.Equal(t, "café", payload["text"])
	assert.Equal(t, 1.0, factorValues(out.Factors)["decode_confidence"])
}

func TestFileReader_MissingFile(t *testing.T) {
	_, err := builtinTool(t, "file_reader").Execute(context.Background(),
		map[string]any{"file": filepath.Join(t.TempDir(), "absent")}, nil)
	require.Error(t, err)
}

func TestEntityExtractor_FullMode(t *testing.T) {
	out, err := builtinTool(t, "entity_extractor").Execute(context.Background(),
		map[string]any{"text": sampleText}, map[string]any{"mode": "full"})
	require.NoError(t, err)

	payload := out.Payload.(map[string]any)
	entities := payload["entities"].([]map[string]any)
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e["name"].(string)
	}
	assert.Contains(t, names, "Alice Martin")
	assert.Contains(t, names, "Bob Chen")
	assert.Contains(t, names, "Geneva")

	relationships := payload["relationships"].([]map[string]any)
	require.NotEmpty(t, relationships)
	assert.Equal(t, "co_occurs", relationships[0]["relation"])

	values := factorValues(out.Factors)
	// The last sentence yields no entities, so coverage is partial.
	assert.Greater(t, values["data_coverage"], 0.0)
	assert.Less(t, values["data_coverage"], 1.0)
}

func TestEntityExtractor_EntityOnlyOmitsRelationships(t *testing.T) {
	out, err := builtinTool(t, "entity_extractor").Execute(context.Background(),
		map[string]any{"text": sampleText}, map[string]any{"mode": "entity_only"})
	require.NoError(t, err)

	payload := out.Payload.(map[string]any)
	_, present := payload["relationships"]
	assert.False(t, present)
}

func TestEntityExtractor_AcceptsReaderPayload(t *testing.T) {
	out, err := builtinTool(t, "entity_extractor").Execute(context.Background(),
		map[string]any{"text": map[string]any{"text": sampleText, "bytes": len(sampleText)}}, nil)
	require.NoError(t, err)
	payload := out.Payload.(map[string]any)
	assert.NotEmpty(t, payload["entities"])
}

func TestEntityExtractor_EmptyTextLowConfidence(t *testing.T) {
	out, err := builtinTool(t, "entity_extractor").Execute(context.Background(),
		map[string]any{"text": "nothing capitalized here. at all."}, nil)
	require.NoError(t, err)
	values := factorValues(out.Factors)
	assert.Equal(t, 0.0, values["data_coverage"])
	assert.Equal(t, 0.1, values["extraction_confidence"])
}

func extraction(t *testing.T, mode string) map[string]any {
	t.Helper()
	out, err := builtinTool(t, "entity_extractor").Execute(context.Background(),
		map[string]any{"text": sampleText}, map[string]any{"mode": mode})
	require.NoError(t, err)
	return out.Payload.(map[string]any)
}

func TestGraphBuilder(t *testing.T) {
	out, err := builtinTool(t, "graph_builder").Execute(context.Background(),
		map[string]any{"data": extraction(t, "full")}, nil)
	require.NoError(t, err)

	payload := out.Payload.(map[string]any)
	nodes := payload["nodes"].([]map[string]any)
	edges := payload["edges"].([]map[string]any)
	assert.NotEmpty(t, nodes)
	assert.NotEmpty(t, edges)
	assert.Equal(t, 1.0, factorValues(out.Factors)["edge_coverage"])
}

func TestGraphBuilder_RequiresRelationships(t *testing.T) {
	_, err := builtinTool(t, "graph_builder").Execute(context.Background(),
		map[string]any{"data": extraction(t, "entity_only")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relationships")
}

func TestGraphBuilder_UnresolvedEdgesLowerCoverage(t *testing.T) {
	data := map[string]any{
		"entities": []map[string]any{{"name": "Alice", "type": "named_entity"}},
		"relationships": []map[string]any{
			{"source": "Alice", "target": "Nobody", "relation": "co_occurs"},
		},
	}
	out, err := builtinTool(t, "graph_builder").Execute(context.Background(),
		map[string]any{"data": data}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, factorValues(out.Factors)["edge_coverage"])
}

func TestTableAggregator(t *testing.T) {
	out, err := builtinTool(t, "table_aggregator").Execute(context.Background(),
		map[string]any{"data": extraction(t, "full")}, map[string]any{"group_by": "type"})
	require.NoError(t, err)

	payload := out.Payload.(map[string]any)
	assert.Equal(t, []string{"type", "count"}, payload["columns"])
	rows := payload["rows"].([]map[string]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "named_entity", rows[0]["type"])
	assert.Equal(t, 1.0, factorValues(out.Factors)["data_coverage"])
}

func TestTableAggregator_NoEntities(t *testing.T) {
	_, err := builtinTool(t, "table_aggregator").Execute(context.Background(),
		map[string]any{"data": map[string]any{"entities": []map[string]any{}}}, nil)
	require.Error(t, err)
}

func TestEmbeddingProjector_Deterministic(t *testing.T) {
	tool := builtinTool(t, "embedding_projector")
	first, err := tool.Execute(context.Background(),
		map[string]any{"text": sampleText}, map[string]any{"dimensions": 32})
	require.NoError(t, err)
	second, err := tool.Execute(context.Background(),
		map[string]any{"text": sampleText}, map[string]any{"dimensions": 32})
	require.NoError(t, err)

	assert.Equal(t, first.Payload.(map[string]any)["vector"], second.Payload.(map[string]any)["vector"])
	vector := first.Payload.(map[string]any)["vector"].([]float64)
	assert.Len(t, vector, 32)

	var norm float64
	for _, v := range vector {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-9)
}

func TestEmbeddingProjector_BadDimensions(t *testing.T) {
	_, err := builtinTool(t, "embedding_projector").Execute(context.Background(),
		map[string]any{"text": "hi"}, map[string]any{"dimensions": 5000})
	require.Error(t, err)
}

// TestPipeline_EndToEnd runs the canonical document analysis chain over a
// real file through the executor: read, extract, then graph and table in
// parallel off the same extraction.
func TestPipeline_EndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleText), 0o600))

	reg := builtinRegistry(t)
	exec, err := dag.NewExecutor(reg)
	require.NoError(t, err)

	plan := &dag.PlanSpec{
		Name: "document_analysis",
		Nodes: []dag.NodeSpec{
			{NodeID: "read", ToolID: "file_reader", InputRefs: map[string]string{"file": "$document.path"}},
			{NodeID: "extract", ToolID: "entity_extractor", InputRefs: map[string]string{"text": "$read"},
				Parameters: map[string]any{"mode": "full"}},
			{NodeID: "tabulate", ToolID: "table_aggregator", InputRefs: map[string]string{"data": "$extract"}},
			{NodeID: "graph", ToolID: "graph_builder", InputRefs: map[string]string{"data": "$extract"}},
		},
	}
	sources := []dag.Source{{
		Name:     "document",
		DataType: datatype.FileIn,
		Payload:  map[string]any{"path": path},
	}}

	result, runTrace, err := exec.Run(context.Background(), plan, sources)
	require.NoError(t, err)
	assert.Equal(t, trace.StatusCompleted, result.Status)
	assert.Equal(t, 4, result.NodesExecuted)
	assert.Equal(t, "graph", result.OutputStage)

	sum := result.FinalUncertainty.Support + result.FinalUncertainty.Reject + result.FinalUncertainty.Uncertain
	assert.InDelta(t, 1.0, sum, uncertainty.Epsilon)
	assert.Positive(t, result.FinalUncertainty.Uncertain,
		"a heuristic chain must never claim certainty")

	require.Len(t, runTrace.Nodes, 4)
	require.NotEmpty(t, runTrace.CriticalUncertainties)
	for i := 1; i < len(runTrace.CriticalUncertainties); i++ {
		assert.GreaterOrEqual(t,
			runTrace.CriticalUncertainties[i-1].Score,
			runTrace.CriticalUncertainties[i].Score)
	}
}
