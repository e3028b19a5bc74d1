// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

// TableAggregator groups extracted entities into count rows.
//
// Inputs:
//   - data: an extraction payload carrying "entities".
//
// Parameters:
//   - group_by: the entity field to group on (default "type").
//
// Output payload is a map with "columns" and "rows", rows sorted by
// descending count then group value.
type TableAggregator struct {
	cap capability.Capability
}

func (t *TableAggregator) ID() string                        { return t.cap.ToolID }
func (t *TableAggregator) Capability() capability.Capability { return t.cap }

func (t *TableAggregator) Execute(ctx context.Context, inputs map[string]any, params map[string]any) (*capability.Output, error) {
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
	groupBy := stringParam(params, "group_by", "type")

	counts := make(map[string]int)
	grouped := 0
	for _, entity := range entities {
		key, ok := entity[groupBy].(string)
		if !ok || key == "" {
			continue
		}
		counts[key]++
		grouped++
	}

	type row struct {
		key   string
		count int
	}
	rows := make([]row, 0, len(counts))
	for key, count := range counts {
		rows = append(rows, row{key, count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].key < rows[j].key
	})
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any{groupBy: r.key, "count": r.count}
	}

	// Coverage is the share of entities that actually carried the group
	// field. Grouping on a field most records lack is low-information.
	dataCoverage := 0.0
	if len(entities) > 0 {
		dataCoverage = float64(grouped) / float64(len(entities))
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("no entities to aggregate by %q", groupBy)
	}

	return &capability.Output{
		Payload: map[string]any{
			"columns": []string{groupBy, "count"},
			"rows":    out,
		},
		Factors: []uncertainty.AssessmentFactor{
			{Name: "data_coverage", Kind: uncertainty.FactorCoverage, Value: dataCoverage},
		},
	}, nil
}
