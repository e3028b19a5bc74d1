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
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/datatype"
	"github.com/concordance-ai/concordance/services/pipeline/trace"
	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

func fileSource() []Source {
	return []Source{{Name: "source", DataType: datatype.FileIn, Payload: "/tmp/input.txt"}}
}

func assertUnitSum(t *testing.T, m uncertainty.Mass) {
	t.Helper()
	sum := m.Support + m.Reject + m.Uncertain
	if math.Abs(sum-1) > uncertainty.Epsilon {
		t.Errorf("mass sum = %.9f, want 1: %+v", sum, m)
	}
}

func TestRun_LinearChain(t *testing.T) {
	reg := testPlanRegistry(t)
	exec, err := NewExecutor(reg)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	result, runTrace, err := exec.Run(context.Background(), linearPlan(), fileSource())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != trace.StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.NodesExecuted != 3 {
		t.Errorf("nodes executed = %d, want 3", result.NodesExecuted)
	}
	if result.OutputStage != "graph" {
		t.Errorf("output stage = %s, want graph", result.OutputStage)
	}
	assertUnitSum(t, result.FinalUncertainty)

	if len(runTrace.Nodes) != 3 {
		t.Fatalf("trace nodes = %d, want 3", len(runTrace.Nodes))
	}
	byID := make(map[string]trace.NodeTrace)
	for _, n := range runTrace.Nodes {
		byID[n.NodeID] = n
	}
	if byID["read"].PropagationType != uncertainty.PropagationLocal {
		t.Errorf("read propagation = %s, want local", byID["read"].PropagationType)
	}
	if byID["extract"].PropagationType != uncertainty.PropagationSequential {
		t.Errorf("extract propagation = %s, want sequential", byID["extract"].PropagationType)
	}
	if byID["extract"].CombinationMethod != "dempster" {
		t.Errorf("extract method = %s, want dempster", byID["extract"].CombinationMethod)
	}
	if len(runTrace.CriticalUncertainties) != 3 {
		t.Errorf("critical ranking has %d entries, want 3", len(runTrace.CriticalUncertainties))
	}

	// Corroborating evidence may raise support, but combination never
	// manufactures uncertainty: each downstream node's Uncertain stays at
	// or below the Uncertain of every mass that fed it.
	if byID["extract"].OutputUncertainty.Uncertain > byID["read"].OutputUncertainty.Uncertain+uncertainty.Epsilon {
		t.Errorf("uncertainty grew read->extract: read=%.4f extract=%.4f",
			byID["read"].OutputUncertainty.Uncertain, byID["extract"].OutputUncertainty.Uncertain)
	}
	if byID["graph"].OutputUncertainty.Uncertain > byID["extract"].OutputUncertainty.Uncertain+uncertainty.Epsilon {
		t.Errorf("uncertainty grew extract->graph: extract=%.4f graph=%.4f",
			byID["extract"].OutputUncertainty.Uncertain, byID["graph"].OutputUncertainty.Uncertain)
	}
	for _, n := range runTrace.Nodes {
		assertUnitSum(t, n.OutputUncertainty)
	}
}

func TestRun_ParallelBranchesJoin(t *testing.T) {
	reg := testPlanRegistry(t)
	exec, err := NewExecutor(reg)
	if err != nil {
		t.Fatal(err)
	}

	plan := &PlanSpec{
		Name: "diamond",
		Nodes: []NodeSpec{
			{NodeID: "read", ToolID: "reader", InputRefs: map[string]string{"file": "$source"}},
			{NodeID: "extract_a", ToolID: "extractor", InputRefs: map[string]string{"text": "$read"}},
			{NodeID: "extract_b", ToolID: "extractor", InputRefs: map[string]string{"text": "$read"}},
			{NodeID: "merge", ToolID: "aggregator", Join: JoinParallel,
				InputRefs: map[string]string{"a": "$extract_a", "b": "$extract_b"}},
		},
	}

	result, runTrace, err := exec.Run(context.Background(), plan, fileSource())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.NodesExecuted != 4 {
		t.Errorf("nodes executed = %d, want 4", result.NodesExecuted)
	}

	var merge trace.NodeTrace
	for _, n := range runTrace.Nodes {
		if n.NodeID == "merge" {
			merge = n
		}
	}
	if merge.PropagationType != uncertainty.PropagationParallel {
		t.Errorf("merge propagation = %s, want parallel", merge.PropagationType)
	}
	if len(merge.InheritedUncertainties) != 2 {
		t.Errorf("merge inherited = %d, want 2", len(merge.InheritedUncertainties))
	}
	// Identical branches are convergent: Dempster, not Yager.
	if merge.CombinationMethod != "dempster" {
		t.Errorf("merge method = %s, want dempster", merge.CombinationMethod)
	}
	assertUnitSum(t, merge.OutputUncertainty)
}

func TestRun_AggregateJoin(t *testing.T) {
	reg := testPlanRegistry(t)
	exec, err := NewExecutor(reg)
	if err != nil {
		t.Fatal(err)
	}

	plan := &PlanSpec{
		Nodes: []NodeSpec{
			{NodeID: "read", ToolID: "reader", InputRefs: map[string]string{"file": "$source"}},
			{NodeID: "extract_a", ToolID: "extractor", InputRefs: map[string]string{"text": "$read"}},
			{NodeID: "extract_b", ToolID: "extractor", InputRefs: map[string]string{"text": "$read"}},
			{NodeID: "merge", ToolID: "aggregator", Join: JoinAggregate,
				InputRefs: map[string]string{"a": "$extract_a", "b": "$extract_b"}},
		},
	}

	_, runTrace, err := exec.Run(context.Background(), plan, fileSource())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, n := range runTrace.Nodes {
		if n.NodeID == "merge" && n.PropagationType != uncertainty.PropagationAggregation {
			t.Errorf("merge propagation = %s, want aggregation", n.PropagationType)
		}
	}
}

func TestRun_ToolFailure(t *testing.T) {
	reg := testPlanRegistry(t)
	boom := errors.New("extractor exploded")
	failing := newTool("failing_extractor", datatype.RawText, datatype.ExtractedData)
	failing.execute = func(ctx context.Context, inputs, params map[string]any) (*capability.Output, error) {
		return nil, boom
	}
	if err := reg.Register(failing); err != nil {
		t.Fatal(err)
	}

	plan := &PlanSpec{
		Nodes: []NodeSpec{
			{NodeID: "read", ToolID: "reader", InputRefs: map[string]string{"file": "$source"}},
			{NodeID: "extract", ToolID: "failing_extractor", InputRefs: map[string]string{"text": "$read"}},
		},
	}

	exec, err := NewExecutor(reg)
	if err != nil {
		t.Fatal(err)
	}
	result, runTrace, err := exec.Run(context.Background(), plan, fileSource())

	var toolErr *ToolExecutionError
	if !errors.As(err, &toolErr) {
		t.Fatalf("error = %v, want *ToolExecutionError", err)
	}
	if toolErr.NodeID != "extract" || !errors.Is(err, boom) {
		t.Errorf("wrong wrapped error: %+v", toolErr)
	}
	if result.Status != trace.StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if runTrace.Status != trace.StatusFailed {
		t.Errorf("trace status = %s, want failed", runTrace.Status)
	}
	// The upstream node completed; only the failed node left no stage.
	if result.NodesExecuted != 1 {
		t.Errorf("nodes executed = %d, want 1", result.NodesExecuted)
	}
	var failedNode *trace.NodeTrace
	for i := range runTrace.Nodes {
		if runTrace.Nodes[i].NodeID == "extract" {
			failedNode = &runTrace.Nodes[i]
		}
	}
	if failedNode == nil || failedNode.Error == "" {
		t.Error("failed node missing from trace or has no error")
	}
}

func TestRun_Retry(t *testing.T) {
	reg := testPlanRegistry(t)
	var attempts atomic.Int32
	flaky := newTool("flaky_extractor", datatype.RawText, datatype.ExtractedData)
	flaky.execute = func(ctx context.Context, inputs, params map[string]any) (*capability.Output, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient failure")
		}
		return &capability.Output{Payload: "ok", Factors: defaultFactors()}, nil
	}
	if err := reg.Register(flaky); err != nil {
		t.Fatal(err)
	}

	plan := &PlanSpec{
		Nodes: []NodeSpec{
			{NodeID: "read", ToolID: "reader", InputRefs: map[string]string{"file": "$source"}},
			{NodeID: "extract", ToolID: "flaky_extractor", Retries: 2,
				InputRefs: map[string]string{"text": "$read"}},
		},
	}

	exec, err := NewExecutor(reg)
	if err != nil {
		t.Fatal(err)
	}
	result, _, err := exec.Run(context.Background(), plan, fileSource())
	if err != nil {
		t.Fatalf("Run failed after retries: %v", err)
	}
	if result.Status != trace.StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRun_Cancellation(t *testing.T) {
	reg := testPlanRegistry(t)
	started := make(chan struct{})
	slow := newTool("slow_extractor", datatype.RawText, datatype.ExtractedData)
	slow.execute = func(ctx context.Context, inputs, params map[string]any) (*capability.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := reg.Register(slow); err != nil {
		t.Fatal(err)
	}

	plan := &PlanSpec{
		Nodes: []NodeSpec{
			{NodeID: "read", ToolID: "reader", InputRefs: map[string]string{"file": "$source"}},
			{NodeID: "extract", ToolID: "slow_extractor", InputRefs: map[string]string{"text": "$read"}},
		},
	}

	exec, err := NewExecutor(reg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, runTrace, err := exec.Run(ctx, plan, fileSource())
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("error = %v, want ErrRunCancelled", err)
	}
	if result.Status != trace.StatusCancelled {
		t.Errorf("status = %s, want cancelled", result.Status)
	}
	if runTrace.Status != trace.StatusCancelled {
		t.Errorf("trace status = %s, want cancelled", runTrace.Status)
	}
}

func TestRun_NodeTimeout(t *testing.T) {
	reg := testPlanRegistry(t)
	hang := newTool("hanging_extractor", datatype.RawText, datatype.ExtractedData)
	hang.execute = func(ctx context.Context, inputs, params map[string]any) (*capability.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := reg.Register(hang); err != nil {
		t.Fatal(err)
	}

	plan := &PlanSpec{
		Nodes: []NodeSpec{
			{NodeID: "read", ToolID: "reader", InputRefs: map[string]string{"file": "$source"}},
			{NodeID: "extract", ToolID: "hanging_extractor", Timeout: 20 * time.Millisecond,
				InputRefs: map[string]string{"text": "$read"}},
		},
	}

	exec, err := NewExecutor(reg)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = exec.Run(context.Background(), plan, fileSource())
	if !errors.Is(err, ErrNodeTimeout) {
		t.Fatalf("error = %v, want ErrNodeTimeout", err)
	}
}

func TestRun_FieldReference(t *testing.T) {
	reg := testPlanRegistry(t)
	structured := newTool("structured_reader", datatype.FileIn, datatype.RawText)
	structured.execute = func(ctx context.Context, inputs, params map[string]any) (*capability.Output, error) {
		return &capability.Output{
			Payload: map[string]any{"text": "hello", "encoding": "utf-8"},
			Factors: defaultFactors(),
		}, nil
	}
	var seen any
	capture := newTool("capture_extractor", datatype.RawText, datatype.ExtractedData)
	capture.execute = func(ctx context.Context, inputs, params map[string]any) (*capability.Output, error) {
		seen = inputs["text"]
		return &capability.Output{Payload: "ok", Factors: defaultFactors()}, nil
	}
	if err := reg.Register(structured); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(capture); err != nil {
		t.Fatal(err)
	}

	plan := &PlanSpec{
		Nodes: []NodeSpec{
			{NodeID: "read", ToolID: "structured_reader", InputRefs: map[string]string{"file": "$source"}},
			{NodeID: "extract", ToolID: "capture_extractor", InputRefs: map[string]string{"text": "$read.text"}},
		},
	}

	exec, err := NewExecutor(reg)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := exec.Run(context.Background(), plan, fileSource()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if seen != "hello" {
		t.Errorf("field reference resolved to %v, want hello", seen)
	}
}

func TestRun_TracePersistence(t *testing.T) {
	reg := testPlanRegistry(t)
	ts, err := trace.NewStore(trace.InMemoryConfig())
	if err != nil {
		t.Fatalf("trace store: %v", err)
	}
	defer ts.Close()

	exec, err := NewExecutor(reg, WithTraceStore(ts))
	if err != nil {
		t.Fatal(err)
	}

	result, _, err := exec.Run(context.Background(), linearPlan(), fileSource())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stored, err := ts.GetTrace(result.RunID)
	if err != nil {
		t.Fatalf("GetTrace failed: %v", err)
	}
	if len(stored.Nodes) != 3 {
		t.Errorf("stored trace nodes = %d, want 3", len(stored.Nodes))
	}

	audit, err := ts.StageAudit(result.RunID)
	if err != nil {
		t.Fatalf("StageAudit failed: %v", err)
	}
	// Source stage + 3 node stages.
	if len(audit) != 4 {
		t.Errorf("audit records = %d, want 4", len(audit))
	}
}

func TestRun_NilContext(t *testing.T) {
	reg := testPlanRegistry(t)
	exec, err := NewExecutor(reg)
	if err != nil {
		t.Fatal(err)
	}
	//nolint:staticcheck // deliberate nil-context check
	if _, _, err := exec.Run(nil, linearPlan(), fileSource()); !errors.Is(err, ErrNilContext) {
		t.Errorf("error = %v, want ErrNilContext", err)
	}
}
