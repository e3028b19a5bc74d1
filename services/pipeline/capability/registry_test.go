// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordance-ai/concordance/services/pipeline/datatype"
)

// fakeTool is a minimal Tool for registry tests.
type fakeTool struct {
	cap Capability
}

func (f *fakeTool) ID() string              { return f.cap.ToolID }
func (f *fakeTool) Capability() Capability  { return f.cap }
func (f *fakeTool) Execute(ctx context.Context, inputs, params map[string]any) (*Output, error) {
	return &Output{Payload: "ok"}, nil
}

func tool(id string, in, out datatype.DataType) *fakeTool {
	return &fakeTool{cap: Capability{
		ToolID:          id,
		Transformations: []Transformation{{Input: in, Output: out}},
		CostTier:        CostModerate,
		QualityTier:     QualityStandard,
	}}
}

func TestRegister_AndGet(t *testing.T) {
	r := NewRegistry(datatype.Default())

	require.NoError(t, r.Register(tool("reader", datatype.FileIn, datatype.RawText)))
	require.Equal(t, 1, r.Len())

	got, err := r.Get("reader")
	require.NoError(t, err)
	assert.Equal(t, "reader", got.ID())

	_, err = r.Get("ghost")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry(datatype.Default())
	require.NoError(t, r.Register(tool("reader", datatype.FileIn, datatype.RawText)))

	err := r.Register(tool("reader", datatype.FileIn, datatype.RawText))
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestRegister_UnknownDataType(t *testing.T) {
	r := NewRegistry(datatype.Default())

	err := r.Register(tool("mystery", "unregistered_type", datatype.RawText))
	assert.ErrorIs(t, err, ErrUnknownType)

	err = r.Register(tool("mystery", datatype.RawText, "unregistered_type"))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegister_Invalid(t *testing.T) {
	r := NewRegistry(datatype.Default())

	assert.ErrorIs(t, r.Register(nil), ErrInvalidTool)
	assert.ErrorIs(t, r.Register(tool("Bad ID", datatype.FileIn, datatype.RawText)), ErrInvalidTool)
	assert.ErrorIs(t, r.Register(&fakeTool{cap: Capability{ToolID: "empty"}}), ErrInvalidTool)

	bad := &idMismatchTool{inner: tool("declared", datatype.FileIn, datatype.RawText)}
	assert.ErrorIs(t, r.Register(bad), ErrInvalidTool)
}

type idMismatchTool struct {
	inner *fakeTool
}

func (m *idMismatchTool) ID() string             { return "other" }
func (m *idMismatchTool) Capability() Capability { return m.inner.cap }
func (m *idMismatchTool) Execute(ctx context.Context, inputs, params map[string]any) (*Output, error) {
	return m.inner.Execute(ctx, inputs, params)
}

func TestCapabilities_SortedByID(t *testing.T) {
	r := NewRegistry(datatype.Default())
	require.NoError(t, r.Register(tool("zeta", datatype.RawText, datatype.ExtractedData)))
	require.NoError(t, r.Register(tool("alpha", datatype.FileIn, datatype.RawText)))

	caps := r.Capabilities()
	require.Len(t, caps, 2)
	assert.Equal(t, "alpha", caps[0].ToolID)
	assert.Equal(t, "zeta", caps[1].ToolID)
}

func TestParamSchema_EffectiveProvides(t *testing.T) {
	schema := ParamSchema{
		Params: map[string]ParamSpec{
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
	}

	assert.Equal(t, []string{"entities", "relationships"}, schema.EffectiveProvides(nil))
	assert.Equal(t, []string{"entities"},
		schema.EffectiveProvides(map[string]any{"mode": "entity_only"}))
	assert.Equal(t, []string{"entities", "relationships"},
		schema.EffectiveProvides(map[string]any{"mode": "full"}))
}

func TestParamSchema_ValidateParams(t *testing.T) {
	schema := ParamSchema{
		Params: map[string]ParamSpec{
			"mode": {Type: "string", Enum: []string{"full", "entity_only"}},
		},
	}

	assert.NoError(t, schema.ValidateParams(map[string]any{"mode": "full"}))
	assert.Error(t, schema.ValidateParams(map[string]any{"mode": "partial"}))
	assert.Error(t, schema.ValidateParams(map[string]any{"mode": 3}))
	assert.Error(t, schema.ValidateParams(map[string]any{"unknown": "x"}))
}

func TestTransformationFor(t *testing.T) {
	c := Capability{
		ToolID: "multi",
		Transformations: []Transformation{
			{Input: datatype.RawText, Output: datatype.ExtractedData},
			{Input: datatype.FileIn, Output: datatype.RawText},
		},
	}

	tr, ok := c.TransformationFor(datatype.FileIn)
	require.True(t, ok)
	assert.Equal(t, datatype.RawText, tr.Output)

	_, ok = c.TransformationFor(datatype.Table)
	assert.False(t, ok)
}
