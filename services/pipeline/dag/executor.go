// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/concordance-ai/concordance/pkg/validation"
	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/datatype"
	"github.com/concordance-ai/concordance/services/pipeline/store"
	"github.com/concordance-ai/concordance/services/pipeline/trace"
	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

var (
	tracer = otel.Tracer("concordance.pipeline.dag")
	meter  = otel.Meter("concordance.pipeline.dag")
)

// Source is an externally supplied input stage: the material the pipeline
// starts from. Sources carry no uncertainty of their own.
type Source struct {
	Name     string
	DataType datatype.DataType
	Payload  any
}

// Result is the outcome of one run.
type Result struct {
	RunID            string           `json:"run_id"`
	Status           trace.RunStatus  `json:"status"`
	Output           any              `json:"output,omitempty"`
	OutputStage      string           `json:"output_stage,omitempty"`
	FinalUncertainty uncertainty.Mass `json:"final_uncertainty"`
	NodesExecuted    int              `json:"nodes_executed"`
	Duration         time.Duration    `json:"duration"`
	Error            string           `json:"error,omitempty"`
}

// Executor runs validated plans with parallelism and observability.
//
// Description:
//
//	Executor schedules plan nodes in dependency order, running
//	independent branches concurrently, and threads uncertainty through
//	every node: assess after each tool call, propagate across edges,
//	one atomic stage add per node.
//
// Thread Safety:
//
//	Safe for concurrent use. Each Run gets its own pipeline store and
//	trace; multiple runs can share one Executor.
type Executor struct {
	registry   *capability.Registry
	assessor   *uncertainty.Assessor
	propagator *uncertainty.Propagator
	traces     *trace.Store
	logger     *slog.Logger
	limiter    *rate.Limiter

	// Metrics (initialized lazily)
	metricsOnce   sync.Once
	nodeLatency   metric.Float64Histogram
	nodeSuccesses metric.Int64Counter
	nodeFailures  metric.Int64Counter
	activeNodes   metric.Int64UpDownCounter
	runLatency    metric.Float64Histogram
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the execution logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTraceStore persists run traces and the stage audit log.
func WithTraceStore(s *trace.Store) ExecutorOption {
	return func(e *Executor) {
		e.traces = s
	}
}

// WithRateLimit gates tool invocations globally across runs.
func WithRateLimit(limit rate.Limit, burst int) ExecutorOption {
	return func(e *Executor) {
		e.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithPropagator overrides the default propagation calibration.
func WithPropagator(p *uncertainty.Propagator) ExecutorOption {
	return func(e *Executor) {
		if p != nil {
			e.propagator = p
		}
	}
}

// NewExecutor creates an Executor over the given tool registry.
func NewExecutor(reg *capability.Registry, opts ...ExecutorOption) (*Executor, error) {
	if reg == nil {
		return nil, errors.New("registry must not be nil")
	}
	e := &Executor{
		registry:   reg,
		assessor:   uncertainty.NewAssessor(),
		propagator: uncertainty.NewPropagator(uncertainty.DefaultParallelOptions()),
		logger:     slog.Default(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// initMetrics lazily initializes metrics. Metric creation failures degrade
// observability, never execution.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.nodeLatency, err = meter.Float64Histogram("pipeline_node_duration_seconds",
			metric.WithDescription("Time spent executing each pipeline node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		e.nodeSuccesses, err = meter.Int64Counter("pipeline_node_success_total",
			metric.WithDescription("Number of successful node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}

		e.nodeFailures, err = meter.Int64Counter("pipeline_node_failure_total",
			metric.WithDescription("Number of failed node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		e.activeNodes, err = meter.Int64UpDownCounter("pipeline_active_nodes",
			metric.WithDescription("Number of currently executing nodes"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_nodes: "+err.Error())
		}

		e.runLatency, err = meter.Float64Histogram("pipeline_run_duration_seconds",
			metric.WithDescription("Total pipeline run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some pipeline metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// runState accumulates per-run bookkeeping across concurrent node
// executions.
type runState struct {
	mu        sync.Mutex
	completed map[string]bool
	nodes     []trace.NodeTrace
}

func (s *runState) markCompleted(nodeID string, nt trace.NodeTrace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[nodeID] = true
	s.nodes = append(s.nodes, nt)
}

func (s *runState) recordFailure(nt trace.NodeTrace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, nt)
}

func (s *runState) isCompleted(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[nodeID]
}

func (s *runState) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// Run validates and executes a plan against the given sources.
//
// Description:
//
//	Validates the plan against the registry (type adjacency, references,
//	parameter compatibility), materializes the sources as stages, then
//	executes nodes wave by wave: all nodes whose dependencies are
//	materialized run concurrently. The first node failure stops the run.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	plan - The plan to execute. Validated before any tool runs.
//	sources - External input stages references may target.
//
// Outputs:
//
//	*Result - Run outcome, also on failure (with Status set).
//	*trace.RunTrace - The uncertainty audit record for the run.
//	error - Non-nil on validation failure, node failure or cancellation.
func (e *Executor) Run(ctx context.Context, plan *PlanSpec, sources []Source) (*Result, *trace.RunTrace, error) {
	if ctx == nil {
		return nil, nil, ErrNilContext
	}
	e.initMetrics()

	sourceTypes := make(map[string]datatype.DataType, len(sources))
	for _, src := range sources {
		sourceTypes[src.Name] = src.DataType
	}
	if err := plan.Validate(e.registry, sourceTypes); err != nil {
		return nil, nil, err
	}

	runID := uuid.NewString()[:12]
	ctx, span := tracer.Start(ctx, "pipeline.Run",
		oteltrace.WithAttributes(
			attribute.String("pipeline.run_id", runID),
			attribute.String("pipeline.plan", plan.Name),
			attribute.Int("pipeline.node_count", len(plan.Nodes)),
		),
	)
	defer span.End()

	start := time.Now()
	e.logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("plan", plan.Name),
		slog.Int("nodes", len(plan.Nodes)),
		slog.Int("sources", len(sources)),
	)

	var storeOpts []store.Option
	storeOpts = append(storeOpts, store.WithLogger(e.logger))
	if e.traces != nil {
		storeOpts = append(storeOpts, store.WithAuditSink(e.traces.StageSink(runID)))
	}
	pipeline := store.NewPipeline(storeOpts...)

	for _, src := range sources {
		err := pipeline.AddStage(&store.Stage{
			Name:          src.Name,
			DataType:      src.DataType,
			Payload:       src.Payload,
			ProducingTool: "external",
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, nil, fmt.Errorf("materialize source %q: %w", src.Name, err)
		}
	}

	state := &runState{completed: make(map[string]bool)}
	runErr := e.executeWaves(ctx, runID, plan, pipeline, state)

	duration := time.Since(start)
	if e.runLatency != nil {
		e.runLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("plan", plan.Name)),
		)
	}

	result, runTrace := e.buildResult(runID, plan, pipeline, state, start, runErr)

	if e.traces != nil {
		if err := e.traces.SaveTrace(runTrace); err != nil {
			e.logger.Warn("trace persistence failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		e.logger.Error("run failed",
			slog.String("run_id", runID),
			slog.Duration("duration", duration),
			slog.String("error", runErr.Error()),
		)
		return result, runTrace, runErr
	}

	span.SetStatus(codes.Ok, "")
	e.logger.Info("run completed",
		slog.String("run_id", runID),
		slog.Duration("duration", duration),
		slog.Int("nodes_executed", result.NodesExecuted),
	)
	return result, runTrace, nil
}

// executeWaves drives the ready-queue loop: every pass collects the nodes
// whose dependencies are materialized and runs them concurrently.
func (e *Executor) executeWaves(
	ctx context.Context,
	runID string,
	plan *PlanSpec,
	pipeline *store.Pipeline,
	state *runState,
) error {
	for state.completedCount() < len(plan.Nodes) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrRunCancelled, ctx.Err())
		default:
		}

		var ready []NodeSpec
		for _, n := range plan.Nodes {
			if state.isCompleted(n.NodeID) {
				continue
			}
			deps, err := n.Dependencies()
			if err != nil {
				return err
			}
			allMaterialized := true
			for _, dep := range deps {
				if !pipeline.HasStage(dep) {
					allMaterialized = false
					break
				}
			}
			if allMaterialized {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			return ErrNoProgress
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, n := range ready {
			n := n
			g.Go(func() error {
				return e.executeNode(gctx, runID, n, pipeline, state)
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrRunCancelled, ctx.Err())
			}
			return err
		}
	}
	return nil
}

// executeNode runs one node end to end: resolve references, gate on the
// rate limiter, invoke the tool, assess, propagate, and add the stage.
func (e *Executor) executeNode(
	ctx context.Context,
	runID string,
	n NodeSpec,
	pipeline *store.Pipeline,
	state *runState,
) error {
	ctx, span := tracer.Start(ctx, "pipeline.node."+n.NodeID,
		oteltrace.WithAttributes(
			attribute.String("pipeline.run_id", runID),
			attribute.String("pipeline.node", n.NodeID),
			attribute.String("pipeline.tool", n.ToolID),
		),
	)
	defer span.End()

	if e.activeNodes != nil {
		e.activeNodes.Add(ctx, 1)
		defer e.activeNodes.Add(ctx, -1)
	}

	nodeStart := time.Now()
	fail := func(err error) error {
		wrapped := &ToolExecutionError{NodeID: n.NodeID, ToolID: n.ToolID, Err: err}
		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("node", n.NodeID)),
			)
		}
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		state.recordFailure(trace.NodeTrace{
			NodeID:    n.NodeID,
			ToolID:    n.ToolID,
			StartedAt: nodeStart,
			Duration:  time.Since(nodeStart),
			Error:     wrapped.Error(),
		})
		e.logger.Error("node failed",
			slog.String("run_id", runID),
			slog.String("node", n.NodeID),
			slog.String("error", wrapped.Error()),
		)
		return wrapped
	}

	tool, err := e.registry.Get(n.ToolID)
	if err != nil {
		return fail(err)
	}

	inputs, deps, inputType, err := e.resolveInputs(n, pipeline)
	if err != nil {
		return fail(err)
	}

	tr, err := transformationFor(tool.Capability(), inputType, len(deps) == 0)
	if err != nil {
		return fail(err)
	}

	output, err := e.invoke(ctx, tool, n, inputs)
	if err != nil {
		return fail(err)
	}

	local, err := e.assessor.Assess(n.ToolID, output.Factors, nil)
	if err != nil {
		return fail(fmt.Errorf("assess: %w", err))
	}

	inherited := inheritedMasses(deps)
	outMass, ptype, method, conflict, err := e.propagate(n.Join, inherited, local.Masses)
	if err != nil {
		return fail(fmt.Errorf("propagate: %w", err))
	}

	final := *local
	final.Masses = outMass
	final.Score = outMass.Score()

	depNames := make([]string, len(deps))
	for i, d := range deps {
		depNames[i] = d.Name
	}
	err = pipeline.AddStage(&store.Stage{
		Name:          n.NodeID,
		DataType:      tr.Output,
		Payload:       output.Payload,
		ProducingTool: n.ToolID,
		Dependencies:  depNames,
		Uncertainty:   &final,
	})
	if err != nil {
		return fail(fmt.Errorf("add stage: %w", err))
	}

	duration := time.Since(nodeStart)
	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("node", n.NodeID)),
		)
	}
	if e.nodeSuccesses != nil {
		e.nodeSuccesses.Add(ctx, 1,
			metric.WithAttributes(attribute.String("node", n.NodeID)),
		)
	}
	span.SetStatus(codes.Ok, "")

	state.markCompleted(n.NodeID, trace.NodeTrace{
		NodeID:                 n.NodeID,
		ToolID:                 n.ToolID,
		InheritedUncertainties: inherited,
		LocalUncertainty:       local,
		OutputUncertainty:      outMass,
		Score:                  outMass.Score(),
		PropagationType:        ptype,
		CombinationMethod:      method,
		Conflict:               conflict,
		StartedAt:              nodeStart,
		Duration:               duration,
	})

	e.logger.Info("node completed",
		slog.String("run_id", runID),
		slog.String("node", n.NodeID),
		slog.Duration("duration", duration),
		slog.Float64("support", outMass.Support),
		slog.Float64("uncertain", outMass.Uncertain),
	)
	return nil
}

// resolveInputs materializes a node's input references against the store.
// Returns the resolved values, the referenced stages in deterministic
// order, and the shared input data type ("" for source-less nodes).
func (e *Executor) resolveInputs(n NodeSpec, pipeline *store.Pipeline) (map[string]any, []*store.Stage, datatype.DataType, error) {
	deps, err := n.Dependencies()
	if err != nil {
		return nil, nil, "", err
	}

	stages := make([]*store.Stage, 0, len(deps))
	for _, dep := range deps {
		stage, err := pipeline.GetStage(dep)
		if err != nil {
			return nil, nil, "", err
		}
		stages = append(stages, stage)
	}

	inputs := make(map[string]any, len(n.InputRefs))
	for input, ref := range n.InputRefs {
		node, field, err := validation.ParseRef(ref)
		if err != nil {
			return nil, nil, "", err
		}
		stage, err := pipeline.GetStage(node)
		if err != nil {
			return nil, nil, "", err
		}
		value := stage.Payload
		if field != "" {
			m, ok := value.(map[string]any)
			if !ok {
				return nil, nil, "", fmt.Errorf("reference %q: stage %q payload is %T, not a map",
					ref, node, value)
			}
			value, ok = m[field]
			if !ok {
				return nil, nil, "", fmt.Errorf("reference %q: stage %q has no field %q",
					ref, node, field)
			}
		}
		inputs[input] = value
	}

	var inputType datatype.DataType
	if len(stages) > 0 {
		inputType = stages[0].DataType
	}
	return inputs, stages, inputType, nil
}

// transformationFor picks the tool's transformation for the node's input
// type. Plan validation has already approved the pairing; this re-derives
// the output type for the produced stage.
func transformationFor(cap capability.Capability, inputType datatype.DataType, noInputs bool) (capability.Transformation, error) {
	if noInputs {
		if len(cap.Transformations) != 1 {
			return capability.Transformation{}, fmt.Errorf(
				"tool %q needs an input to select among %d transformations",
				cap.ToolID, len(cap.Transformations))
		}
		return cap.Transformations[0], nil
	}
	tr, ok := cap.TransformationFor(inputType)
	if !ok {
		return capability.Transformation{}, fmt.Errorf("tool %q cannot consume %q", cap.ToolID, inputType)
	}
	return tr, nil
}

// invoke calls the tool under the rate limiter, the node timeout, and the
// configured retry budget. Nothing is persisted for failed attempts, so a
// retry starts clean.
func (e *Executor) invoke(ctx context.Context, tool capability.Tool, n NodeSpec, inputs map[string]any) (*capability.Output, error) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}
	retries := n.Retries
	if retries > MaxRetries {
		retries = MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		nodeCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := tool.Execute(nodeCtx, inputs, n.Parameters)
		timedOut := nodeCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			if output == nil {
				return nil, fmt.Errorf("tool %q returned no output", n.ToolID)
			}
			return output, nil
		}
		if timedOut {
			err = fmt.Errorf("%w: %v", ErrNodeTimeout, err)
		}
		lastErr = err

		// Cancellation of the run is not retryable.
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if attempt < retries {
			e.logger.Warn("tool attempt failed, retrying",
				slog.String("node", n.NodeID),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil, lastErr
}

// inheritedMasses collects the output masses of the node's dependencies.
// Source stages have no assessment and contribute nothing.
func inheritedMasses(deps []*store.Stage) []uncertainty.Mass {
	var masses []uncertainty.Mass
	for _, dep := range deps {
		if dep.Uncertainty != nil {
			masses = append(masses, dep.Uncertainty.Masses)
		}
	}
	return masses
}

// propagate combines inherited uncertainty with the node's local
// assessment. Total conflict degrades to the vacuous mass rather than
// failing the node: maximal uncertainty is an answer, a crash is not.
func (e *Executor) propagate(
	join JoinKind,
	inherited []uncertainty.Mass,
	local uncertainty.Mass,
) (uncertainty.Mass, uncertainty.PropagationType, string, float64, error) {
	switch {
	case len(inherited) == 0:
		return local, uncertainty.PropagationLocal, "none", 0, nil

	case len(inherited) == 1:
		combined, k, err := e.propagator.Sequential(inherited[0], local)
		if err != nil && !errors.Is(err, uncertainty.ErrFullConflict) {
			return uncertainty.Mass{}, "", "", 0, err
		}
		return combined, uncertainty.PropagationSequential, "dempster", k, nil

	case join == JoinAggregate:
		agg, err := e.propagator.Aggregate(inherited)
		if err != nil {
			return uncertainty.Mass{}, "", "", 0, err
		}
		combined, k, err := e.propagator.Sequential(agg.CombinedMasses, local)
		if err != nil && !errors.Is(err, uncertainty.ErrFullConflict) {
			return uncertainty.Mass{}, "", "", 0, err
		}
		if agg.AverageConflict > k {
			k = agg.AverageConflict
		}
		return combined, uncertainty.PropagationAggregation, "dempster", k, nil

	default:
		par, err := e.propagator.Parallel(inherited)
		if err != nil {
			return uncertainty.Mass{}, "", "", 0, err
		}
		method := "dempster"
		if par.Classification == uncertainty.ClassificationDivergent {
			method = "yager"
		}
		combined, k, err := e.propagator.Sequential(par.CombinedMasses, local)
		if err != nil && !errors.Is(err, uncertainty.ErrFullConflict) {
			return uncertainty.Mass{}, "", "", 0, err
		}
		if par.MaxConflict > k {
			k = par.MaxConflict
		}
		return combined, uncertainty.PropagationParallel, method, k, nil
	}
}

// buildResult assembles the run result and trace. The run's output is the
// last plan node nothing else references; with several terminals, the last
// one declared wins.
func (e *Executor) buildResult(
	runID string,
	plan *PlanSpec,
	pipeline *store.Pipeline,
	state *runState,
	start time.Time,
	runErr error,
) (*Result, *trace.RunTrace) {
	state.mu.Lock()
	nodes := append([]trace.NodeTrace(nil), state.nodes...)
	completed := len(state.completed)
	state.mu.Unlock()

	runTrace := &trace.RunTrace{
		RunID:     runID,
		Status:    trace.StatusCompleted,
		StartedAt: start,
		Nodes:     nodes,
	}
	result := &Result{
		RunID:         runID,
		Status:        trace.StatusCompleted,
		NodesExecuted: completed,
		Duration:      time.Since(start),
	}

	if runErr != nil {
		status := trace.StatusFailed
		if errors.Is(runErr, ErrRunCancelled) {
			status = trace.StatusCancelled
		}
		runTrace.Status = status
		runTrace.Error = runErr.Error()
		result.Status = status
		result.Error = runErr.Error()
	} else if terminal := terminalNode(plan); terminal != "" {
		if stage, err := pipeline.GetStage(terminal); err == nil {
			result.Output = stage.Payload
			result.OutputStage = terminal
			if stage.Uncertainty != nil {
				result.FinalUncertainty = stage.Uncertainty.Masses
				runTrace.FinalUncertainty = stage.Uncertainty.Masses
			}
		}
	}

	runTrace.CompletedAt = time.Now()
	runTrace.RankCritical()
	return result, runTrace
}

// terminalNode returns the last declared node no other node references.
func terminalNode(plan *PlanSpec) string {
	referenced := make(map[string]bool)
	for _, n := range plan.Nodes {
		deps, err := n.Dependencies()
		if err != nil {
			continue
		}
		for _, dep := range deps {
			referenced[dep] = true
		}
	}
	terminal := ""
	for _, n := range plan.Nodes {
		if !referenced[n.NodeID] {
			terminal = n.NodeID
		}
	}
	return terminal
}
