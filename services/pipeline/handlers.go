// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/config"
	"github.com/concordance-ai/concordance/services/pipeline/dag"
	"github.com/concordance-ai/concordance/services/pipeline/datatype"
	"github.com/concordance-ai/concordance/services/pipeline/matrix"
	"github.com/concordance-ai/concordance/services/pipeline/trace"
)

// Handlers contains the HTTP handlers for the pipeline service.
//
// The capability registry is read through the config manager on every
// request, so hot reloads take effect without restarting in flight
// executors: a running plan keeps the snapshot it started with.
type Handlers struct {
	manager *config.Manager
	traces  *trace.Store
	logger  *slog.Logger
}

// NewHandlers creates handlers around the capability manager.
func NewHandlers(manager *config.Manager) *Handlers {
	return &Handlers{manager: manager, logger: slog.Default()}
}

// WithTraceStore sets the trace store for run persistence and queries.
func (h *Handlers) WithTraceStore(store *trace.Store) *Handlers {
	h.traces = store
	return h
}

// WithLogger overrides the default logger.
func (h *Handlers) WithLogger(logger *slog.Logger) *Handlers {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// registry returns the current capability snapshot, or replies 503 when
// no capability file has loaded yet.
func (h *Handlers) registry(c *gin.Context) *capability.Registry {
	reg := h.manager.Registry()
	if reg == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Capability registry not loaded",
			Code:  "REGISTRY_UNAVAILABLE",
		})
	}
	return reg
}

// HandleHealth handles GET /v1/pipeline/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	toolCount := -1
	if reg := h.manager.Registry(); reg != nil {
		toolCount = reg.Len()
	}
	traceOK := false
	if h.traces != nil {
		_, err := h.traces.ListRuns()
		traceOK = err == nil
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		Version:      ServiceVersion,
		ToolCount:    toolCount,
		TraceStoreOK: traceOK,
	})
}

// HandleCapabilities handles GET /v1/pipeline/capabilities.
//
// Response:
//
//	200 OK: CapabilitiesResponse, tools sorted by id
//	503 Service Unavailable: registry not loaded
func (h *Handlers) HandleCapabilities(c *gin.Context) {
	reg := h.registry(c)
	if reg == nil {
		return
	}
	caps := reg.Capabilities()
	out := make([]CapabilityInfo, 0, len(caps))
	for _, cap := range caps {
		transformations := make([]TransformationInfo, 0, len(cap.Transformations))
		for _, tr := range cap.Transformations {
			transformations = append(transformations, TransformationInfo{
				Input:    string(tr.Input),
				Output:   string(tr.Output),
				Provides: tr.Params.Provides,
				Requires: tr.Params.Requires,
			})
		}
		out = append(out, CapabilityInfo{
			ToolID:              cap.ToolID,
			CostTier:            int(cap.CostTier),
			QualityTier:         int(cap.QualityTier),
			Transformations:     transformations,
			TheoryCompatibility: cap.TheoryCompatibility,
		})
	}
	c.JSON(http.StatusOK, CapabilitiesResponse{Tools: out})
}

// HandlePaths handles POST /v1/pipeline/paths.
//
// Description:
//
//	Finds transformation paths from a start data type to a goal data
//	type, ranked by total cost.
//
// Response:
//
//	200 OK: PathsResponse
//	400 Bad Request: unknown data type or malformed body
//	404 Not Found: no path exists
func (h *Handlers) HandlePaths(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandlePaths")

	var req PathsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	reg := h.registry(c)
	if reg == nil {
		return
	}

	maxPaths := req.MaxPaths
	if maxPaths <= 0 {
		maxPaths = matrix.DefaultMaxPaths
	}
	paths, err := matrix.New(reg).FindAllPaths(
		datatype.DataType(req.Start), datatype.DataType(req.Goal), maxPaths)
	if err != nil {
		status, code := statusForError(err)
		logger.Warn("path search failed", "start", req.Start, "goal", req.Goal, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, PathsResponse{Paths: paths})
}

// HandleValidate handles POST /v1/pipeline/validate.
//
// Description:
//
//	Checks whether a tool chain is executable: type adjacency, parameter
//	schemas and cross-tool feature contracts. An invalid chain is a
//	valid answer, so every validation outcome returns 200 with the
//	verdict in the body. Only malformed requests fail.
func (h *Handlers) HandleValidate(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleValidate")

	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	reg := h.registry(c)
	if reg == nil {
		return
	}

	err := matrix.New(reg).ValidateChain(datatype.DataType(req.Start), req.Chain, req.Params)
	if err != nil {
		c.JSON(http.StatusOK, ValidateResponse{Valid: false, Reason: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ValidateResponse{Valid: true})
}

// HandleRun handles POST /v1/pipeline/runs.
//
// Description:
//
//	Validates and executes a plan synchronously. The executor is built
//	against the capability snapshot current at submission time.
//
// Response:
//
//	200 OK: RunResponse (including failed and cancelled runs that
//	        produced a trace)
//	400 Bad Request: plan rejected before execution
//	500 Internal Server Error: execution infrastructure failure
func (h *Handlers) HandleRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleRun")

	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	reg := h.registry(c)
	if reg == nil {
		return
	}

	opts := []dag.ExecutorOption{dag.WithLogger(h.logger)}
	if h.traces != nil {
		opts = append(opts, dag.WithTraceStore(h.traces))
	}
	exec, err := dag.NewExecutor(reg, opts...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "EXECUTOR_INIT_FAILED",
		})
		return
	}

	sources := make([]dag.Source, len(req.Sources))
	for i, s := range req.Sources {
		sources[i] = dag.Source{
			Name:     s.Name,
			DataType: datatype.DataType(s.DataType),
			Payload:  s.Payload,
		}
	}

	logger.Info("executing plan", "plan", req.Plan.Name, "nodes", len(req.Plan.Nodes))
	result, _, err := exec.Run(c.Request.Context(), req.Plan, sources)
	if err != nil && result == nil {
		status, code := statusForError(err)
		logger.Warn("plan rejected", "plan", req.Plan.Name, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	resp := RunResponse{
		RunID:            result.RunID,
		Status:           string(result.Status),
		Output:           result.Output,
		OutputStage:      result.OutputStage,
		FinalUncertainty: result.FinalUncertainty,
		NodesExecuted:    result.NodesExecuted,
		DurationMillis:   result.Duration.Milliseconds(),
	}
	if result.Error != "" {
		resp.Error = result.Error
	}
	if h.traces != nil {
		resp.TracePath = "/v1/pipeline/runs/" + result.RunID + "/trace"
	}
	c.JSON(http.StatusOK, resp)
}

// HandleListRuns handles GET /v1/pipeline/runs.
func (h *Handlers) HandleListRuns(c *gin.Context) {
	if h.traces == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Trace store not configured",
			Code:  "TRACE_STORE_UNAVAILABLE",
		})
		return
	}
	runs, err := h.traces.ListRuns()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "TRACE_LIST_FAILED",
		})
		return
	}
	if runs == nil {
		runs = []string{}
	}
	c.JSON(http.StatusOK, RunListResponse{Runs: runs})
}

// HandleGetTrace handles GET /v1/pipeline/runs/:id/trace.
func (h *Handlers) HandleGetTrace(c *gin.Context) {
	if h.traces == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Trace store not configured",
			Code:  "TRACE_STORE_UNAVAILABLE",
		})
		return
	}
	runID := c.Param("id")
	runTrace, err := h.traces.GetTrace(runID)
	if err != nil {
		status, code := statusForError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, runTrace)
}

// getOrCreateRequestID returns the X-Request-ID header, generating one
// when absent, and echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
