// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline exposes the pipeline engine over HTTP.
package pipeline

import (
	"github.com/concordance-ai/concordance/services/pipeline/dag"
	"github.com/concordance-ai/concordance/services/pipeline/matrix"
	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

// ServiceVersion is the pipeline service version.
const ServiceVersion = "0.1.0"

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// HealthResponse reports service health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`

	// ToolCount is the number of registered tools, -1 before the first
	// capability load.
	ToolCount int `json:"tool_count"`

	// TraceStoreOK is true when the trace store answers queries.
	TraceStoreOK bool `json:"trace_store_ok"`
}

// CapabilityInfo is one tool's advertised capability.
type CapabilityInfo struct {
	ToolID              string               `json:"tool_id"`
	CostTier            int                  `json:"cost_tier"`
	QualityTier         int                  `json:"quality_tier"`
	Transformations     []TransformationInfo `json:"transformations"`
	TheoryCompatibility []string             `json:"theory_compatibility,omitempty"`
}

// TransformationInfo is one typed transformation of a tool.
type TransformationInfo struct {
	Input    string   `json:"input"`
	Output   string   `json:"output"`
	Provides []string `json:"provides,omitempty"`
	Requires []string `json:"requires,omitempty"`
}

// CapabilitiesResponse lists all registered capabilities.
type CapabilitiesResponse struct {
	Tools []CapabilityInfo `json:"tools"`
}

// PathsRequest asks for transformation paths between two data types.
type PathsRequest struct {
	Start    string `json:"start" binding:"required"`
	Goal     string `json:"goal" binding:"required"`
	MaxPaths int    `json:"max_paths,omitempty"`
}

// PathsResponse lists the discovered paths, cheapest first.
type PathsResponse struct {
	Paths []matrix.Path `json:"paths"`
}

// ValidateRequest asks whether a tool chain is executable.
type ValidateRequest struct {
	// Start is the input data type of the first tool. It may be omitted
	// when the first tool has a single transformation.
	Start string `json:"start,omitempty"`

	Chain []string `json:"chain" binding:"required,min=1"`

	// Params holds per-position tool parameters, parallel to Chain.
	Params []map[string]any `json:"params,omitempty"`
}

// ValidateResponse reports chain validity. Invalid chains still return
// 200; the outcome is the payload, not a transport error.
type ValidateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// RunRequest submits a plan for execution.
type RunRequest struct {
	Plan    *dag.PlanSpec `json:"plan" binding:"required"`
	Sources []SourceInput `json:"sources" binding:"required,min=1"`
}

// SourceInput is one externally supplied source stage.
type SourceInput struct {
	Name     string `json:"name" binding:"required"`
	DataType string `json:"data_type" binding:"required"`
	Payload  any    `json:"payload"`
}

// RunResponse is the outcome of a run plus where to find its trace.
type RunResponse struct {
	RunID            string           `json:"run_id"`
	Status           string           `json:"status"`
	Output           any              `json:"output,omitempty"`
	OutputStage      string           `json:"output_stage,omitempty"`
	FinalUncertainty uncertainty.Mass `json:"final_uncertainty"`
	NodesExecuted    int              `json:"nodes_executed"`
	DurationMillis   int64            `json:"duration_ms"`
	Error            string           `json:"error,omitempty"`
	TracePath        string           `json:"trace_path,omitempty"`
}

// RunListResponse lists persisted run ids.
type RunListResponse struct {
	Runs []string `json:"runs"`
}
