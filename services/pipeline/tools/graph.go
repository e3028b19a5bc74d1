// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

// GraphBuilder turns extracted entities and relationships into a graph
// structure of nodes and edges.
//
// Inputs:
//   - data: an extraction payload carrying "entities" and "relationships".
//
// The relationships feature is required: an extraction produced in
// entity_only mode cannot feed this tool, and the run fails rather than
// emitting an empty graph.
type GraphBuilder struct {
	cap capability.Capability
}

func (t *GraphBuilder) ID() string                        { return t.cap.ToolID }
func (t *GraphBuilder) Capability() capability.Capability { return t.cap }

func (t *GraphBuilder) Execute(ctx context.Context, inputs map[string]any, params map[string]any) (*capability.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := mapInput(inputs, "data")
	if err != nil {
		return nil, err
	}
	entities, err := recordSlice(data, "entities")
	if err != nil {
		return nil, err
	}
	if _, present := data["relationships"]; !present {
		return nil, errors.New(`input "data" carries no "relationships"; upstream extraction must run in full mode`)
	}
	relationships, err := recordSlice(data, "relationships")
	if err != nil {
		return nil, err
	}

	nodeIndex := make(map[string]int, len(entities))
	nodes := make([]map[string]any, 0, len(entities))
	for _, entity := range entities {
		name, _ := entity["name"].(string)
		if name == "" {
			continue
		}
		if _, seen := nodeIndex[name]; seen {
			continue
		}
		nodeIndex[name] = len(nodes)
		nodes = append(nodes, map[string]any{
			"id":   name,
			"type": entity["type"],
		})
	}

	edges := make([]map[string]any, 0, len(relationships))
	unresolved := 0
	for _, rel := range relationships {
		source, _ := rel["source"].(string)
		target, _ := rel["target"].(string)
		_, haveSource := nodeIndex[source]
		_, haveTarget := nodeIndex[target]
		if !haveSource || !haveTarget {
			unresolved++
			continue
		}
		edges = append(edges, map[string]any{
			"source":   source,
			"target":   target,
			"relation": rel["relation"],
		})
	}

	edgeCoverage := 1.0
	if len(relationships) > 0 {
		edgeCoverage = float64(len(edges)) / float64(len(relationships))
	}
	// A sparse graph relative to its node count suggests the extraction
	// missed structure, so confidence tracks edge density.
	resolution := 0.9
	if unresolved > 0 {
		resolution = 0.9 * edgeCoverage
	}
	if len(nodes) == 0 {
		resolution = 0.1
	}

	return &capability.Output{
		Payload: map[string]any{
			"nodes": nodes,
			"edges": edges,
		},
		Factors: []uncertainty.AssessmentFactor{
			{Name: "edge_coverage", Kind: uncertainty.FactorCoverage, Value: edgeCoverage},
			{Name: "resolution_confidence", Kind: uncertainty.FactorSignal, Value: resolution},
		},
	}, nil
}

// recordSlice reads a named field as a slice of maps, accepting both the
// in-process []map[string]any form and the []any form JSON decoding
// produces.
func recordSlice(data map[string]any, name string) ([]map[string]any, error) {
	switch v := data[name].(type) {
	case nil:
		return nil, fmt.Errorf("input %q field missing", name)
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("field %q[%d]: expected map, got %T", name, i, item)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %q: expected list of records, got %T", name, v)
	}
}
