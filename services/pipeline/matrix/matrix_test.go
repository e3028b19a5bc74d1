// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package matrix

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/datatype"
)

type stubTool struct {
	cap capability.Capability
}

func (s *stubTool) ID() string                        { return s.cap.ToolID }
func (s *stubTool) Capability() capability.Capability { return s.cap }
func (s *stubTool) Execute(ctx context.Context, inputs, params map[string]any) (*capability.Output, error) {
	return &capability.Output{Payload: "ok"}, nil
}

func register(t *testing.T, r *capability.Registry, cap capability.Capability) {
	t.Helper()
	require.NoError(t, r.Register(&stubTool{cap: cap}))
}

func simpleCap(id string, cost capability.CostTier, in, out datatype.DataType) capability.Capability {
	return capability.Capability{
		ToolID:          id,
		CostTier:        cost,
		QualityTier:     capability.QualityStandard,
		Transformations: []capability.Transformation{{Input: in, Output: out}},
	}
}

// testRegistry builds a small graph:
//
//	file_in --reader--> raw_text --extractor--> extracted_data --graph_builder--> graph_structure
//	                    raw_text --deep_extractor(expensive)--> extracted_data
//	                    extracted_data --aggregator--> table
func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	r := capability.NewRegistry(datatype.Default())
	register(t, r, simpleCap("reader", capability.CostCheap, datatype.FileIn, datatype.RawText))
	register(t, r, simpleCap("extractor", capability.CostModerate, datatype.RawText, datatype.ExtractedData))
	register(t, r, simpleCap("deep_extractor", capability.CostExpensive, datatype.RawText, datatype.ExtractedData))
	register(t, r, simpleCap("graph_builder", capability.CostModerate, datatype.ExtractedData, datatype.GraphStructure))
	register(t, r, simpleCap("aggregator", capability.CostCheap, datatype.ExtractedData, datatype.Table))
	return r
}

func TestFindAllPaths(t *testing.T) {
	m := New(testRegistry(t))

	paths, err := m.FindAllPaths(datatype.FileIn, datatype.GraphStructure, 0)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	// Cheapest first: reader->extractor->graph_builder beats the deep variant.
	assert.Equal(t, []string{"reader", "extractor", "graph_builder"}, paths[0].ToolIDs())
	assert.Equal(t, []string{"reader", "deep_extractor", "graph_builder"}, paths[1].ToolIDs())
	assert.Less(t, paths[0].TotalCost, paths[1].TotalCost)
}

func TestFindAllPaths_Cap(t *testing.T) {
	m := New(testRegistry(t))

	paths, err := m.FindAllPaths(datatype.FileIn, datatype.GraphStructure, 1)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, []string{"reader", "extractor", "graph_builder"}, paths[0].ToolIDs())
}

func TestFindAllPaths_NoPath(t *testing.T) {
	m := New(testRegistry(t))

	_, err := m.FindAllPaths(datatype.Table, datatype.RawText, 0)
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestFindAllPaths_UnknownType(t *testing.T) {
	m := New(testRegistry(t))

	_, err := m.FindAllPaths("nonsense", datatype.RawText, 0)
	assert.ErrorIs(t, err, ErrUnknownDataType)
	_, err = m.FindAllPaths(datatype.RawText, "nonsense", 0)
	assert.ErrorIs(t, err, ErrUnknownDataType)
}

func TestFindShortestPath(t *testing.T) {
	m := New(testRegistry(t))

	path, err := m.FindShortestPath(datatype.FileIn, datatype.GraphStructure)
	require.NoError(t, err)
	assert.Equal(t, []string{"reader", "extractor", "graph_builder"}, path.ToolIDs())
	assert.Equal(t,
		int(capability.CostCheap)+int(capability.CostModerate)+int(capability.CostModerate),
		path.TotalCost)
}

func TestFindShortestPath_NoPath(t *testing.T) {
	m := New(testRegistry(t))

	_, err := m.FindShortestPath(datatype.GraphStructure, datatype.FileIn)
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestValidateChain_Valid(t *testing.T) {
	m := New(testRegistry(t))

	err := m.ValidateChain(datatype.FileIn, []string{"reader", "extractor", "graph_builder"}, nil)
	assert.NoError(t, err)

	// Start type inferred from the reader's sole transformation.
	err = m.ValidateChain("", []string{"reader", "extractor"}, nil)
	assert.NoError(t, err)
}

func TestValidateChain_TypeMismatch(t *testing.T) {
	m := New(testRegistry(t))

	err := m.ValidateChain(datatype.FileIn, []string{"reader", "graph_builder"}, nil)
	var mismatch *TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1, mismatch.Index)
	assert.Equal(t, "graph_builder", mismatch.ToolID)
	assert.Equal(t, datatype.RawText, mismatch.Have)
}

func TestValidateChain_ParameterIncompatibility(t *testing.T) {
	r := capability.NewRegistry(datatype.Default())
	register(t, r, capability.Capability{
		ToolID:   "entity_extractor",
		CostTier: capability.CostModerate,
		Transformations: []capability.Transformation{{
			Input:  datatype.RawText,
			Output: datatype.ExtractedData,
			Params: capability.ParamSchema{
				Params: map[string]capability.ParamSpec{
					"mode": {
						Type:    "string",
						Enum:    []string{"full", "entity_only"},
						Default: "full",
						ProvidesByValue: map[string][]string{
							"full":        {"entities", "relationships"},
							"entity_only": {"entities"},
						},
					},
				},
				Provides: []string{"entities", "relationships"},
			},
		}},
	})
	register(t, r, capability.Capability{
		ToolID:   "edge_builder",
		CostTier: capability.CostModerate,
		Transformations: []capability.Transformation{{
			Input:  datatype.ExtractedData,
			Output: datatype.GraphStructure,
			Params: capability.ParamSchema{Requires: []string{"relationships"}},
		}},
	})
	m := New(r)

	// Full mode provides relationships: chain is valid.
	err := m.ValidateChain(datatype.RawText,
		[]string{"entity_extractor", "edge_builder"},
		[]map[string]any{{"mode": "full"}, nil})
	assert.NoError(t, err)

	// entity_only omits relationships: edge_builder cannot follow.
	err = m.ValidateChain(datatype.RawText,
		[]string{"entity_extractor", "edge_builder"},
		[]map[string]any{{"mode": "entity_only"}, nil})
	var incompat *ParameterIncompatibilityError
	require.ErrorAs(t, err, &incompat)
	assert.Equal(t, 1, incompat.Index)
	assert.Equal(t, "edge_builder", incompat.ToolID)
	assert.Equal(t, "entity_extractor", incompat.UpstreamID)
	assert.Equal(t, []string{"relationships"}, incompat.Missing)
}

func TestValidateChain_BadParams(t *testing.T) {
	r := capability.NewRegistry(datatype.Default())
	register(t, r, capability.Capability{
		ToolID:   "extractor",
		CostTier: capability.CostModerate,
		Transformations: []capability.Transformation{{
			Input:  datatype.RawText,
			Output: datatype.ExtractedData,
			Params: capability.ParamSchema{
				Params: map[string]capability.ParamSpec{
					"mode": {Type: "string", Enum: []string{"full", "entity_only"}},
				},
			},
		}},
	})
	m := New(r)

	err := m.ValidateChain(datatype.RawText, []string{"extractor"},
		[]map[string]any{{"mode": "bogus"}})
	assert.Error(t, err)
}

func TestValidateChain_Errors(t *testing.T) {
	m := New(testRegistry(t))

	assert.ErrorIs(t, m.ValidateChain(datatype.FileIn, nil, nil), ErrEmptyChain)
	assert.ErrorIs(t, m.ValidateChain(datatype.FileIn, []string{"ghost"}, nil),
		capability.ErrToolNotFound)
}
