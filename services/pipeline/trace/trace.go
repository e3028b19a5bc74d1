// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package trace records how uncertainty flowed through a pipeline run and
// persists the record for audit. A RunTrace is written once per run; the
// stage audit log is append-only.
package trace

import (
	"sort"
	"time"

	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

// RunStatus is the terminal state of a run.
type RunStatus string

// Run statuses.
const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// NodeTrace records one node's uncertainty bookkeeping: what it inherited
// from its dependencies, what the tool's own execution contributed, and
// what propagation produced.
type NodeTrace struct {
	NodeID string `json:"node_id"`
	ToolID string `json:"tool_id"`

	// InheritedUncertainties are the output masses of the node's
	// dependencies, in dependency-name order. Empty for source nodes.
	InheritedUncertainties []uncertainty.Mass `json:"inherited_uncertainties,omitempty"`

	// LocalUncertainty is the assessor's verdict on this execution alone.
	LocalUncertainty *uncertainty.ToolUncertainty `json:"local_uncertainty,omitempty"`

	// OutputUncertainty is the mass after propagation, attached to the
	// produced stage.
	OutputUncertainty uncertainty.Mass `json:"output_uncertainty"`

	// Score is 1 - OutputUncertainty.Support.
	Score float64 `json:"score"`

	// PropagationType records which combination mode applied:
	// local, sequential, aggregation or parallel.
	PropagationType uncertainty.PropagationType `json:"propagation_type"`

	// CombinationMethod names the rule used: "dempster", "yager" or "none".
	CombinationMethod string `json:"combination_method"`

	// Conflict is the (maximum pairwise) conflict mass K observed while
	// combining, zero when nothing was combined.
	Conflict float64 `json:"conflict,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Error is set when the node failed or was cancelled.
	Error string `json:"error,omitempty"`
}

// RunTrace is the per-run uncertainty audit record. JSON-serializable.
type RunTrace struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Nodes in execution completion order.
	Nodes []NodeTrace `json:"nodes"`

	// CriticalUncertainties ranks the recorded nodes by descending score,
	// so the least trustworthy stages surface first.
	CriticalUncertainties []NodeTrace `json:"critical_uncertainties"`

	// FinalUncertainty is the output mass of the run's terminal node, or
	// the synthesis result when the run ends in a join.
	FinalUncertainty uncertainty.Mass `json:"final_uncertainty"`

	// Error is set for failed or cancelled runs.
	Error string `json:"error,omitempty"`
}

// RankCritical recomputes CriticalUncertainties from the recorded nodes.
// Ties break on node id so the ranking is stable.
func (t *RunTrace) RankCritical() {
	nodes := append([]NodeTrace(nil), t.Nodes...)
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Score != nodes[j].Score {
			return nodes[i].Score > nodes[j].Score
		}
		return nodes[i].NodeID < nodes[j].NodeID
	})
	t.CriticalUncertainties = nodes
}
