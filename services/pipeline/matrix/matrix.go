// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package matrix builds the transformation graph over registered tool
// capabilities: nodes are data types, edges are (tool, transformation)
// pairs. It answers "how do I get from type A to type B", ranks candidate
// chains by cost, and validates externally supplied chains before any tool
// runs.
package matrix

import (
	"errors"
	"fmt"
	"sort"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/datatype"
)

// DefaultMaxPaths caps path enumeration to avoid combinatorial blow-up.
const DefaultMaxPaths = 20

// Sentinel errors for path queries.
var (
	ErrNoPath          = errors.New("no transformation path exists")
	ErrUnknownDataType = errors.New("unknown data type")
	ErrEmptyChain      = errors.New("chain has no tools")
)

// TypeMismatchError reports an adjacency break in a chain: the tool at
// Index cannot consume what its predecessor produces.
type TypeMismatchError struct {
	Index    int
	ToolID   string
	Have     datatype.DataType
	Produced []datatype.DataType // input types the tool can consume
}

// Error returns the error message.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("chain position %d: tool %q cannot consume %q (accepts %v)",
		e.Index, e.ToolID, e.Have, e.Produced)
}

// ParameterIncompatibilityError reports a feature-flag break: the tool at
// Index requires features its upstream, in its configured mode, does not
// provide.
type ParameterIncompatibilityError struct {
	Index      int
	ToolID     string
	UpstreamID string
	Missing    []string
}

// Error returns the error message.
func (e *ParameterIncompatibilityError) Error() string {
	return fmt.Sprintf("chain position %d: tool %q requires %v, not provided by %q in its configured mode",
		e.Index, e.ToolID, e.Missing, e.UpstreamID)
}

// Step is one edge in a transformation path.
type Step struct {
	ToolID string            `json:"tool_id"`
	Input  datatype.DataType `json:"input"`
	Output datatype.DataType `json:"output"`
	Cost   int               `json:"cost"`
}

// Path is an ordered chain of steps from a start type to a goal type.
type Path struct {
	Steps     []Step `json:"steps"`
	TotalCost int    `json:"total_cost"`
}

// ToolIDs returns the path's tool ids in order.
func (p Path) ToolIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ToolID
	}
	return ids
}

type edge struct {
	toolID string
	tr     capability.Transformation
	cost   int
}

// Matrix is the transformation graph. Built once from a registry snapshot
// and read-only thereafter; rebuild after hot reload.
type Matrix struct {
	registry *capability.Registry
	types    *datatype.Registry
	edges    map[datatype.DataType][]edge
}

// New builds a Matrix from the registry's current capabilities.
func New(reg *capability.Registry) *Matrix {
	m := &Matrix{
		registry: reg,
		types:    reg.Types(),
		edges:    make(map[datatype.DataType][]edge),
	}
	for _, cap := range reg.Capabilities() {
		cost := int(cap.CostTier)
		if cost <= 0 {
			cost = int(capability.CostModerate)
		}
		for _, tr := range cap.Transformations {
			m.edges[tr.Input] = append(m.edges[tr.Input], edge{
				toolID: cap.ToolID,
				tr:     tr,
				cost:   cost,
			})
		}
	}
	// Deterministic edge order for enumeration and tie-breaks.
	for _, es := range m.edges {
		sort.Slice(es, func(i, j int) bool {
			if es[i].cost != es[j].cost {
				return es[i].cost < es[j].cost
			}
			return es[i].toolID < es[j].toolID
		})
	}
	return m
}

// FindAllPaths enumerates acyclic transformation paths from start to goal,
// ranked by total cost, capped at maxPaths (DefaultMaxPaths when <= 0).
//
// Enumeration is bounded: DFS collects at most maxPaths*4 candidates in
// deterministic cheapest-edge-first order before ranking, so on graphs
// dense enough to exceed that bound the returned top-N is approximate.
// Use FindShortestPath when the exact minimum-cost path matters.
//
// Outputs:
//
//	[]Path - Cheapest first; empty slice never returned without error.
//	error  - ErrUnknownDataType or ErrNoPath.
func (m *Matrix) FindAllPaths(start, goal datatype.DataType, maxPaths int) ([]Path, error) {
	if err := m.checkTypes(start, goal); err != nil {
		return nil, err
	}
	if maxPaths <= 0 {
		maxPaths = DefaultMaxPaths
	}

	var found []Path
	visited := map[datatype.DataType]bool{start: true}
	var steps []Step

	var dfs func(from datatype.DataType, cost int)
	dfs = func(from datatype.DataType, cost int) {
		// Over-collect a little so ranking happens over the full set,
		// then truncate after sorting.
		if len(found) >= maxPaths*4 {
			return
		}
		if from == goal && len(steps) > 0 {
			path := Path{Steps: append([]Step(nil), steps...), TotalCost: cost}
			found = append(found, path)
			return
		}
		for _, e := range m.edges[from] {
			if visited[e.tr.Output] {
				continue
			}
			visited[e.tr.Output] = true
			steps = append(steps, Step{
				ToolID: e.toolID, Input: e.tr.Input, Output: e.tr.Output, Cost: e.cost,
			})
			dfs(e.tr.Output, cost+e.cost)
			steps = steps[:len(steps)-1]
			visited[e.tr.Output] = false
		}
	}
	dfs(start, 0)

	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoPath, start, goal)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].TotalCost != found[j].TotalCost {
			return found[i].TotalCost < found[j].TotalCost
		}
		return len(found[i].Steps) < len(found[j].Steps)
	})
	if len(found) > maxPaths {
		found = found[:maxPaths]
	}
	return found, nil
}

// FindShortestPath returns the minimum-cost path from start to goal using
// Dijkstra over per-tool cost tiers. Edge order is deterministic, so equal
// alternatives resolve the same way on every call.
func (m *Matrix) FindShortestPath(start, goal datatype.DataType) (*Path, error) {
	if err := m.checkTypes(start, goal); err != nil {
		return nil, err
	}

	const inf = int(^uint(0) >> 1)
	dist := map[datatype.DataType]int{start: 0}
	prev := map[datatype.DataType]Step{}
	done := map[datatype.DataType]bool{}

	for {
		// Linear-scan extraction: the type graph is small.
		var cur datatype.DataType
		best := inf
		for t, d := range dist {
			if !done[t] && d < best {
				best, cur = d, t
			}
		}
		if best == inf {
			break
		}
		if cur == goal {
			break
		}
		done[cur] = true

		for _, e := range m.edges[cur] {
			next := e.tr.Output
			nd := best + e.cost
			old, seen := dist[next]
			if !seen || nd < old {
				dist[next] = nd
				prev[next] = Step{ToolID: e.toolID, Input: cur, Output: next, Cost: e.cost}
			}
		}
	}

	if goal == start {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoPath, start, goal)
	}
	total, ok := dist[goal]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoPath, start, goal)
	}

	var steps []Step
	for at := goal; at != start; {
		step, ok := prev[at]
		if !ok {
			return nil, fmt.Errorf("%w: %s -> %s", ErrNoPath, start, goal)
		}
		steps = append(steps, step)
		at = step.Input
	}
	// Reverse into start->goal order.
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return &Path{Steps: steps, TotalCost: total}, nil
}

// ValidateChain checks that a linear chain of tools is executable before
// anything runs: each tool must consume its predecessor's output type, and
// each tool's feature requirements must be met by its upstream's effective
// provides under the actual parameter values.
//
// Inputs:
//
//	start   - Input type of the first tool. Empty infers the first tool's
//	          sole declared input; ambiguous tools then fail.
//	toolIDs - The chain, in execution order.
//	params  - Per-position parameter values; nil or short slices mean
//	          defaults for the remaining positions.
func (m *Matrix) ValidateChain(start datatype.DataType, toolIDs []string, params []map[string]any) error {
	if len(toolIDs) == 0 {
		return ErrEmptyChain
	}

	paramsAt := func(i int) map[string]any {
		if i < len(params) {
			return params[i]
		}
		return nil
	}

	first, err := m.registry.Get(toolIDs[0])
	if err != nil {
		return err
	}
	if start == "" {
		trs := first.Capability().Transformations
		if len(trs) != 1 {
			return fmt.Errorf("tool %q offers %d transformations; start type required",
				toolIDs[0], len(trs))
		}
		start = trs[0].Input
	}
	if !m.types.Known(start) {
		return fmt.Errorf("%w: %q", ErrUnknownDataType, start)
	}

	current := start
	var upstream string
	var provided []string

	for i, id := range toolIDs {
		tool, err := m.registry.Get(id)
		if err != nil {
			return err
		}
		cap := tool.Capability()

		tr, ok := cap.TransformationFor(current)
		if !ok {
			accepts := make([]datatype.DataType, 0, len(cap.Transformations))
			for _, t := range cap.Transformations {
				accepts = append(accepts, t.Input)
			}
			return &TypeMismatchError{Index: i, ToolID: id, Have: current, Produced: accepts}
		}

		if err := tr.Params.ValidateParams(paramsAt(i)); err != nil {
			return fmt.Errorf("chain position %d: tool %q: %w", i, id, err)
		}

		if i > 0 && len(tr.Params.Requires) > 0 {
			var missing []string
			for _, req := range tr.Params.Requires {
				if !containsString(provided, req) {
					missing = append(missing, req)
				}
			}
			if len(missing) > 0 {
				return &ParameterIncompatibilityError{
					Index: i, ToolID: id, UpstreamID: upstream, Missing: missing,
				}
			}
		}

		provided = tr.Params.EffectiveProvides(paramsAt(i))
		upstream = id
		current = tr.Output
	}
	return nil
}

func (m *Matrix) checkTypes(start, goal datatype.DataType) error {
	if !m.types.Known(start) {
		return fmt.Errorf("%w: start %q", ErrUnknownDataType, start)
	}
	if !m.types.Known(goal) {
		return fmt.Errorf("%w: goal %q", ErrUnknownDataType, goal)
	}
	return nil
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
